// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/holomush/gatekeeper/internal/engine"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

type principalKey struct{}

// PrincipalFromContext returns the caller set by the principal middleware.
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string) //nolint:errcheck // absent means anonymous
	return id
}

func requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if id == "" {
			writeProblem(w, http.StatusUnauthorized, codeUnauthenticated, PrincipalHeader+" header is required")
			return
		}
		if id == engine.SystemPrincipal {
			writeProblem(w, http.StatusForbidden, errutil.CodePermissionDenied, "the system principal cannot call the API")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, id)))
	})
}

func (h *Handler) rateLimiter() func(http.Handler) http.Handler {
	if h.rateRequests <= 0 || h.rateWindow <= 0 {
		return nil
	}
	return httprate.Limit(h.rateRequests, h.rateWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if id := PrincipalFromContext(r.Context()); id != "" {
				return "principal:" + id, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeProblem(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
		}),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe records request metrics labelled by the matched route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := routePattern(r)
		h.metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		h.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
