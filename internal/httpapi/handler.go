// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi exposes the decision engine and its admin surface over
// JSON/HTTP. The calling principal is taken from the X-Principal-ID header,
// which the upstream gateway sets after authenticating the request.
package httpapi

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/holomush/gatekeeper/internal/engine"
	"github.com/holomush/gatekeeper/internal/observability"
)

// PrincipalHeader carries the authenticated caller.
const PrincipalHeader = "X-Principal-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records per-route request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithRateLimit allows each principal requests per window. Zero requests
// disables limiting.
func WithRateLimit(requests int, window time.Duration) Option {
	return func(h *Handler) {
		h.rateRequests = requests
		h.rateWindow = window
	}
}

// WithLogger sets the request error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler serves the /v1 API.
type Handler struct {
	engine       *engine.Engine
	admin        *engine.Admin
	metrics      *observability.Metrics
	validate     *validator.Validate
	logger       *slog.Logger
	rateRequests int
	rateWindow   time.Duration
}

// NewHandler creates a Handler.
func NewHandler(eng *engine.Engine, admin *engine.Admin, opts ...Option) *Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	h := &Handler{
		engine:   eng,
		admin:    admin,
		validate: validate,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requirePrincipal)
		if limiter := h.rateLimiter(); limiter != nil {
			r.Use(limiter)
		}

		r.Post("/check", h.check)
		r.Post("/flags/{name}/evaluate", h.evaluateFlag)

		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Get("/roles/{id}", h.getRole)
		r.Delete("/roles/{id}", h.deleteRole)
		r.Put("/roles/{id}/permissions", h.updateRolePermissions)
		r.Put("/roles/{id}/assignments/{userID}", h.grantRole)
		r.Delete("/roles/{id}/assignments/{userID}", h.revokeRole)

		r.Get("/users/{userID}/roles", h.listEffectiveRoles)
		r.Get("/users/{userID}/assignments", h.listAssignments)

		r.Get("/permissions", h.listCatalog)
		r.Post("/permissions", h.registerPermission)

		r.Get("/flags", h.listFlags)
		r.Get("/flags/{name}", h.getFlag)
		r.Put("/flags/{name}", h.putFlag)
		r.Delete("/flags/{name}", h.deleteFlag)

		r.Get("/audit", h.queryAudit)
	})
	return r
}
