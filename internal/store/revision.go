// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/oops"
)

// RevisionShards is the number of store_revisions rows behind each counter.
const RevisionShards = 16

// RevisionShard returns the shard a mutation of key bumps. Mutations of the
// same key always share a shard.
func RevisionShard(key string) int {
	return int(xxhash.Sum64String(key) % RevisionShards)
}

// BumpRevision increments counter name on the shard for key. It must run in
// the transaction of the mutation it stamps.
func BumpRevision(ctx context.Context, q DBTX, name, key string) error {
	tag, err := q.Exec(ctx,
		`UPDATE store_revisions SET revision = revision + 1 WHERE name = $1 AND shard = $2`,
		name, RevisionShard(key))
	if err != nil {
		return oops.In("store").With("counter", name).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.In("store").With("counter", name).With("shard", RevisionShard(key)).
			Errorf("revision shard missing")
	}
	return nil
}

// ReadRevision returns counter name summed over its shards. The sum grows by
// one for every committed bump.
func ReadRevision(ctx context.Context, q DBTX, name string) (int64, error) {
	var rev int64
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(sum(revision), 0)::bigint FROM store_revisions WHERE name = $1`, name).Scan(&rev); err != nil {
		return 0, oops.In("store").With("counter", name).Wrap(err)
	}
	return rev, nil
}
