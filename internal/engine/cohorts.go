// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package engine

import (
	"context"
	"slices"
)

// CohortProvider reports which cohorts a principal belongs to.
type CohortProvider interface {
	Cohorts(ctx context.Context, principalID string) ([]string, error)
}

// StaticCohorts maps cohort names to their members.
type StaticCohorts map[string][]string

// Cohorts returns the sorted names of every cohort listing principalID.
func (s StaticCohorts) Cohorts(_ context.Context, principalID string) ([]string, error) {
	var out []string
	for cohort, members := range s {
		if slices.Contains(members, principalID) {
			out = append(out, cohort)
		}
	}
	slices.Sort(out)
	return out, nil
}
