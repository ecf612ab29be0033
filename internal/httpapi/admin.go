// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context(), PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoles(roles))
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := h.admin.CreateRole(r.Context(), PrincipalFromContext(r.Context()), rbac.RoleSpec{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		IsSystem:    req.System,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, toRole(role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.admin.GetRole(r.Context(), PrincipalFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRole(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteRole(r.Context(), PrincipalFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionsRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := h.admin.UpdateRolePermissions(r.Context(), PrincipalFromContext(r.Context()),
		chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRole(role))
}

func (h *Handler) grantRole(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.decode(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.admin.GrantRole(r.Context(), PrincipalFromContext(r.Context()),
		chi.URLParam(r, "userID"), chi.URLParam(r, "id"), req.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignment(*a))
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	err := h.admin.RevokeRole(r.Context(), PrincipalFromContext(r.Context()),
		chi.URLParam(r, "userID"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listEffectiveRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListEffectiveRoles(r.Context(), PrincipalFromContext(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoles(roles))
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.admin.ListAssignments(r.Context(), PrincipalFromContext(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]assignmentResponse, len(assignments))
	for i, a := range assignments {
		out[i] = toAssignment(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.admin.ListCatalog(r.Context(), PrincipalFromContext(r.Context()), r.URL.Query().Get("resource"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]catalogEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = catalogEntryResponse{Resource: e.Resource, Action: e.Action, Description: e.Description}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) registerPermission(w http.ResponseWriter, r *http.Request) {
	var req registerPermissionRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	entry := rbac.CatalogEntry{Resource: req.Resource, Action: req.Action, Description: req.Description}
	if err := h.admin.RegisterPermission(r.Context(), PrincipalFromContext(r.Context()), entry); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, catalogEntryResponse(req))
}

func (h *Handler) listFlags(w http.ResponseWriter, r *http.Request) {
	list, err := h.admin.ListFlags(r.Context(), PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]flagResponse, len(list))
	for i, f := range list {
		out[i] = toFlag(f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getFlag(w http.ResponseWriter, r *http.Request) {
	f, err := h.admin.GetFlag(r.Context(), PrincipalFromContext(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlag(f))
}

func (h *Handler) putFlag(w http.ResponseWriter, r *http.Request) {
	var req putFlagRequest
	if err := h.decode(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.admin.PutFlag(r.Context(), PrincipalFromContext(r.Context()), flags.FlagSpec{
		Name:              chi.URLParam(r, "name"),
		Description:       req.Description,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		TargetUsers:       req.TargetUsers,
		TargetRoles:       req.TargetRoles,
		TargetCohorts:     req.TargetCohorts,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlag(f))
}

func (h *Handler) deleteFlag(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteFlag(r.Context(), PrincipalFromContext(r.Context()), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseAuditQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.admin.QueryAudit(r.Context(), PrincipalFromContext(r.Context()), filter, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries := res.Entries
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries, NextCursor: res.NextCursor})
}

// parseAuditQuery reads principal_id, event_type, severity, resource_type,
// from, to (RFC 3339), limit and after. event_type and severity repeat.
func parseAuditQuery(r *http.Request) (audit.Filter, audit.Page, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		PrincipalID:  q.Get("principal_id"),
		ResourceType: q.Get("resource_type"),
	}
	for _, t := range q["event_type"] {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
	}
	for _, s := range q["severity"] {
		sev := audit.Severity(s)
		if !sev.Valid() {
			return filter, audit.Page{}, badQuery("severity", s)
		}
		filter.Severities = append(filter.Severities, sev)
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return filter, audit.Page{}, badQuery("from", q.Get("from"))
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return filter, audit.Page{}, badQuery("to", q.Get("to"))
	}

	page := audit.Page{After: q.Get("after")}
	if v := q.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil || page.Limit < 0 {
			return filter, audit.Page{}, badQuery("limit", v)
		}
	}
	return filter, page, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v) //nolint:wrapcheck // caller reports the parameter
}

func badQuery(param, value string) error {
	return oops.In("httpapi").
		Code(errutil.CodeInvalidRequest).
		With("param", param).
		With("value", value).
		Errorf("invalid %s query parameter %q", param, value)
}
