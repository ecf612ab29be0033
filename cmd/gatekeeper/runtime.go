// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/cache"
	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/engine"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/internal/seed"
	"github.com/holomush/gatekeeper/internal/store"
)

// runtime is the assembled decision engine for one process.
type runtime struct {
	pool     *pgxpool.Pool
	auditLog *audit.Logger
	roles    *rbac.Service
	flags    *flags.Service
	engine   *engine.Engine
	admin    *engine.Admin
	closers  []func() error
}

// runtimeOptions adjust openRuntime for commands that do not serve traffic.
type runtimeOptions struct {
	// skipSeed leaves seed.path unapplied; the admin role is still
	// bootstrapped.
	skipSeed bool
}

// openRuntime builds stores, the audit logger, the decision cache, the
// services and the engine from cfg. On error everything opened so far is
// closed.
func openRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			if closeErr := rt.Close(); closeErr != nil {
				slog.Warn("cleanup after failed start", "error", closeErr)
			}
			rt = nil
		}
	}()

	var (
		rbacStore rbac.Store
		flagStore flags.Store
		writer    audit.Writer
	)
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		if cfg.Storage.AutoMigrate {
			if err := migrateUp(cfg.Storage.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pool, err := store.Open(ctx, cfg.Storage.DatabaseURL, store.PoolConfig{MaxConns: cfg.Storage.MaxConns})
		if err != nil {
			return nil, err //nolint:wrapcheck // store errors carry codes
		}
		rt.pool = pool
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		rbacStore = rbac.NewPostgresStore(pool)
		flagStore = flags.NewPostgresStore(pool)
		writer = audit.NewPostgresWriter(pool)
	default:
		rbacStore = rbac.NewMemoryStore()
		flagStore = flags.NewMemoryStore()
		writer = audit.NewMemoryWriter()
	}

	auditLog, err := audit.NewLogger(writer,
		audit.WithMode(audit.Mode(cfg.Audit.Mode)),
		audit.WithWALPath(cfg.Audit.WALPath),
		audit.WithBatchSize(cfg.Audit.BatchSize),
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // audit errors carry codes
	}
	rt.auditLog = auditLog
	// Runs before the pool closer.
	rt.closers = append(rt.closers, auditLog.Close)
	if err := auditLog.ReplayWAL(ctx); err != nil {
		return nil, err //nolint:wrapcheck // audit errors carry codes
	}

	decisions, err := openCache(ctx, cfg.Cache, rt)
	if err != nil {
		return nil, err
	}

	retries := uint64(cfg.Retry.MaxAttempts - 1) //nolint:gosec // validated to 1..20
	rt.roles = rbac.NewService(rbacStore, auditLog, rbac.WithRetry(retries, cfg.Retry.BaseDelay))
	rt.flags = flags.NewService(flagStore, auditLog, flags.WithRetry(retries, cfg.Retry.BaseDelay))
	resolver := rbac.NewResolver(rbacStore, auditLog,
		rbac.WithCache(decisions), rbac.WithTimeout(cfg.Decision.Timeout))
	evaluator := flags.NewEvaluator(flagStore, auditLog,
		flags.WithCache(decisions), flags.WithTimeout(cfg.Decision.Timeout))
	rt.admin = engine.NewAdmin(resolver, rt.roles, rt.flags, auditLog)

	var cohorts engine.CohortProvider = engine.StaticCohorts{}
	if cfg.Seed.Path != "" && !opts.skipSeed {
		res, err := applySeedFile(ctx, rt.admin, cfg.Seed.Path)
		if err != nil {
			return nil, err
		}
		cohorts = res.Cohorts
	} else if _, err := rt.admin.Bootstrap(ctx); err != nil {
		return nil, err //nolint:wrapcheck // service errors carry codes
	}

	rt.engine = engine.New(resolver, evaluator, rt.roles, engine.WithCohorts(cohorts))
	return rt, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig, rt *runtime) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheNone:
		return cache.Noop{}, nil
	case config.CacheRedis:
		c, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.TTL)
		if err != nil {
			return nil, err //nolint:wrapcheck // cache errors carry context
		}
		rt.closers = append(rt.closers, c.Close)
		return c, nil
	default:
		return cache.NewLRU(cfg.Size, cfg.TTL), nil
	}
}

func applySeedFile(ctx context.Context, admin *engine.Admin, path string) (seed.Result, error) {
	doc, err := seed.Load(path)
	if err != nil {
		return seed.Result{}, err //nolint:wrapcheck // seed errors carry codes
	}
	return seed.Apply(ctx, admin, doc, time.Now()) //nolint:wrapcheck // seed errors carry codes
}

// Close releases everything in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// migrateUp applies every pending migration.
func migrateUp(databaseURL string) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err //nolint:wrapcheck // store errors carry codes
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("failed to close migrator", "error", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "auto-migrate").Wrap(err)
	}
	slog.Info("database migrations applied")
	return nil
}
