// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

func TestMemoryStore_PutFlagVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	f := &FeatureFlag{Name: "new-ui", Enabled: true}
	require.NoError(t, s.PutFlag(ctx, f, 0))
	assert.Equal(t, int64(1), f.Version)

	err := s.PutFlag(ctx, &FeatureFlag{Name: "new-ui"}, 0)
	errutil.AssertErrorCode(t, err, errutil.CodeVersionConflict)

	f.RolloutPercentage = 10
	require.NoError(t, s.PutFlag(ctx, f, 1))
	assert.Equal(t, int64(2), f.Version)

	rev, err := s.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
}

func TestMemoryStore_SnapshotCopiesFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutFlag(ctx, &FeatureFlag{Name: "new-ui", TargetUsers: []string{"u1"}}, 0))

	snap, err := s.Snapshot(ctx, "new-ui")
	require.NoError(t, err)
	require.NotNil(t, snap.Flag)
	assert.Equal(t, int64(1), snap.Revision)
	snap.Flag.TargetUsers[0] = "mallory"

	again, err := s.GetFlag(ctx, "new-ui")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, again.TargetUsers)

	missing, err := s.Snapshot(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing.Flag)
}

func TestMemoryStore_DeleteFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutFlag(ctx, &FeatureFlag{Name: "new-ui"}, 0))

	err := s.DeleteFlag(ctx, "new-ui", 7)
	errutil.AssertErrorCode(t, err, errutil.CodeVersionConflict)
	require.NoError(t, s.DeleteFlag(ctx, "new-ui", 1))
	err = s.DeleteFlag(ctx, "new-ui", 1)
	errutil.AssertErrorCode(t, err, errutil.CodeNotFound)
}
