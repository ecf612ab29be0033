// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/holomush/gatekeeper/internal/engine"
)

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PrincipalID == "" {
		req.PrincipalID = PrincipalFromContext(r.Context())
	}

	d, err := h.engine.CheckPermission(r.Context(), req.PrincipalID, req.Resource, req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		PrincipalID: req.PrincipalID,
		Resource:    req.Resource,
		Action:      req.Action,
		Allowed:     d.Allowed,
		Reason:      string(d.Reason),
		MatchedRole: d.MatchedRole,
		Cached:      d.Cached,
		AuditID:     d.AuditID,
		DecidedAt:   d.DecidedAt,
	})
}

func (h *Handler) evaluateFlag(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := h.decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PrincipalID == "" {
		req.PrincipalID = PrincipalFromContext(r.Context())
	}
	var hints *engine.Hints
	if req.Roles != nil || req.Cohorts != nil {
		hints = &engine.Hints{Roles: req.Roles, Cohorts: req.Cohorts}
	}

	name := chi.URLParam(r, "name")
	ev, err := h.engine.EvaluateFlag(r.Context(), req.PrincipalID, name, hints)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		Flag:        name,
		PrincipalID: req.PrincipalID,
		Enabled:     ev.Enabled,
		Reason:      string(ev.Reason),
		FlagVersion: ev.FlagVersion,
		Bucket:      ev.Bucket,
		Cached:      ev.Cached,
		AuditID:     ev.AuditID,
		EvaluatedAt: ev.EvaluatedAt,
	})
}
