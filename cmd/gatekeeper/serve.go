// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/httpapi"
	"github.com/holomush/gatekeeper/internal/observability"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the decision API",
		Long: `Start the HTTP decision and admin API, plus the metrics and health
endpoints when metrics.addr is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, nil)
		},
	}
}

// runServe serves until ctx is done or a server fails. When ready is
// non-nil it receives the API address once requests are accepted.
func runServe(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	slog.Info("starting gatekeeper",
		"version", version,
		"storage", cfg.Storage.Backend,
		"cache", cfg.Cache.Backend,
		"audit_mode", cfg.Audit.Mode,
	)

	rt, err := openRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("error closing runtime", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var accepting atomic.Bool
	opts := []httpapi.Option{
		httpapi.WithRateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		httpapi.WithLogger(slog.Default()),
	}

	var obsServer *observability.Server
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, accepting.Load)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		opts = append(opts, httpapi.WithMetrics(obsServer.Metrics()))
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		stopObservability(obsServer)
		return oops.With("addr", cfg.Server.Addr).With("operation", "listen").Wrap(err)
	}

	apiServer := &http.Server{
		Handler:           httpapi.NewHandler(rt.engine, rt.admin, opts...).Routes(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	apiErrCh := make(chan error, 1)
	go func() {
		defer close(apiErrCh)
		if serveErr := apiServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			apiErrCh <- serveErr
		}
	}()
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")

	accepting.Store(true)
	slog.Info("gatekeeper ready", "addr", listener.Addr().String())
	if ready != nil {
		ready <- listener.Addr().String()
	}

	<-ctx.Done()
	slog.Info("shutting down...")
	accepting.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error stopping API server", "error", err)
	}
	stopObservability(obsServer)

	slog.Info("shutdown complete")
	return nil
}

func stopObservability(s *observability.Server) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
