// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import "context"

// Snapshot is a flag as of one store revision. Flag is nil when no flag of
// that name exists at the revision.
type Snapshot struct {
	Revision int64
	Flag     *FeatureFlag
}

// Store persists feature flags. Every mutation bumps the store revision,
// which stamps decision cache keys.
//
// PutFlag and DeleteFlag fail with VERSION_CONFLICT when the stored version
// differs from expectedVersion; 0 means the flag must not exist yet.
type Store interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Revision(ctx context.Context) (int64, error)
	Snapshot(ctx context.Context, name string) (*Snapshot, error)

	GetFlag(ctx context.Context, name string) (*FeatureFlag, error)
	ListFlags(ctx context.Context) ([]*FeatureFlag, error)
	PutFlag(ctx context.Context, flag *FeatureFlag, expectedVersion int64) error
	DeleteFlag(ctx context.Context, name string, expectedVersion int64) error
}
