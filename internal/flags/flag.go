// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package flags stores feature flags and evaluates them for a user.
package flags

import (
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FeatureFlag gates a feature. A disabled flag is off for everyone; an
// enabled flag is on for its targets and for the rollout share of everyone
// else.
type FeatureFlag struct {
	Name              string
	Description       string
	Enabled           bool
	RolloutPercentage int
	TargetUsers       []string
	TargetRoles       []string
	TargetCohorts     []string
	Version           int64
	UpdatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy of f.
func (f *FeatureFlag) Clone() *FeatureFlag {
	if f == nil {
		return nil
	}
	c := *f
	c.TargetUsers = slices.Clone(f.TargetUsers)
	c.TargetRoles = slices.Clone(f.TargetRoles)
	c.TargetCohorts = slices.Clone(f.TargetCohorts)
	return &c
}

// Subject is who a flag is evaluated for.
type Subject struct {
	UserID  string
	Roles   []string
	Cohorts []string
}

// Reason explains a flag evaluation.
type Reason string

// Evaluation reasons.
const (
	ReasonKillSwitch       Reason = "kill-switch"
	ReasonExplicitUser     Reason = "explicit-user"
	ReasonRoleTarget       Reason = "role-target"
	ReasonCohortTarget     Reason = "cohort-target"
	ReasonRollout          Reason = "rollout"
	ReasonNotInRollout     Reason = "not-in-rollout"
	ReasonFlagNotFound     Reason = "flag-not-found"
	ReasonTimeout          Reason = "timeout"
	ReasonStoreUnavailable Reason = "store-unavailable"
)

// Bucket places userID in [0, 100) for flagName. The result depends only on
// the two names, so raising a rollout percentage never removes anyone.
func Bucket(userID, flagName string) int {
	return int(xxhash.Sum64String(userID+":"+flagName) % 100)
}

// Evaluate decides flag for subj. The kill switch is checked first, then
// explicit users, roles and cohorts, and finally the rollout bucket.
func Evaluate(flag *FeatureFlag, subj Subject) (bool, Reason, int) {
	bucket := Bucket(subj.UserID, flag.Name)
	switch {
	case !flag.Enabled:
		return false, ReasonKillSwitch, bucket
	case slices.Contains(flag.TargetUsers, subj.UserID):
		return true, ReasonExplicitUser, bucket
	case intersects(flag.TargetRoles, subj.Roles):
		return true, ReasonRoleTarget, bucket
	case intersects(flag.TargetCohorts, subj.Cohorts):
		return true, ReasonCohortTarget, bucket
	case bucket < flag.RolloutPercentage:
		return true, ReasonRollout, bucket
	default:
		return false, ReasonNotInRollout, bucket
	}
}

func intersects(targets, have []string) bool {
	for _, h := range have {
		if slices.Contains(targets, h) {
			return true
		}
	}
	return false
}

// normalizeSet trims, de-duplicates and sorts a target list.
func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
