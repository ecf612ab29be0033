// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevisionShard_StableAndInRange(t *testing.T) {
	seen := map[int]bool{}
	for _, key := range []string{"alice", "bob", "carol", "role-1", "role-2", "new-ui", "checkout", "documents"} {
		shard := RevisionShard(key)
		assert.Equal(t, shard, RevisionShard(key), "key %s", key)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, RevisionShards)
		seen[shard] = true
	}
	assert.Greater(t, len(seen), 1, "keys should spread over more than one shard")
}

func TestBumpRevision_TargetsKeyShard(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectExec(`UPDATE store_revisions SET revision = revision \+ 1 WHERE name = \$1 AND shard = \$2`).
		WithArgs("rbac", RevisionShard("alice")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, BumpRevision(context.Background(), mock, "rbac", "alice"))
}

func TestBumpRevision_MissingShard(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectExec(`UPDATE store_revisions`).
		WithArgs("flags", RevisionShard("new-ui")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := BumpRevision(context.Background(), mock, "flags", "new-ui")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revision shard missing")
}

func TestReadRevision_SumsShards(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`SELECT COALESCE\(sum\(revision\), 0\)::bigint FROM store_revisions`).
		WithArgs("rbac").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(42)))

	rev, err := ReadRevision(context.Background(), mock, "rbac")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rev)
}

func TestReadRevision_QueryError(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`FROM store_revisions`).
		WithArgs("flags").
		WillReturnError(errors.New("connection reset"))

	_, err := ReadRevision(context.Background(), mock, "flags")
	require.Error(t, err)
}
