// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/engine"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/observability"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

const rootPrincipal = "root"

type fixture struct {
	handler *Handler
	router  http.Handler
	roles   *rbac.Service
	admin   *engine.Admin
	log     *audit.Logger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, err := audit.NewLogger(audit.NewMemoryWriter())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	rbacStore := rbac.NewMemoryStore()
	flagStore := flags.NewMemoryStore()
	roles := rbac.NewService(rbacStore, logger)
	flagSvc := flags.NewService(flagStore, logger)
	resolver := rbac.NewResolver(rbacStore, logger)
	evaluator := flags.NewEvaluator(flagStore, logger)
	admin := engine.NewAdmin(resolver, roles, flagSvc, logger)

	ctx := context.Background()
	adminRole, err := admin.Bootstrap(ctx)
	require.NoError(t, err)
	_, err = admin.GrantRole(engine.SystemContext(ctx), engine.SystemPrincipal, rootPrincipal, adminRole.ID, nil)
	require.NoError(t, err)

	h := NewHandler(engine.New(resolver, evaluator, roles), admin, opts...)
	return &fixture{handler: h, router: h.Routes(), roles: roles, admin: admin, log: logger}
}

func (f *fixture) do(t *testing.T, principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func assertProblem(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, code, body.Error.Code)
}

// seedReader registers docs:read, creates a reader role and grants it to user.
func (f *fixture) seedReader(t *testing.T, user string) roleResponse {
	t.Helper()
	rec := f.do(t, rootPrincipal, http.MethodPost, "/v1/permissions",
		registerPermissionRequest{Resource: "docs", Action: "read", Description: "Read documents"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, rootPrincipal, http.MethodPost, "/v1/roles",
		createRoleRequest{Name: "reader", Permissions: []string{"docs:read"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	role := decodeBody[roleResponse](t, rec)

	rec = f.do(t, rootPrincipal, http.MethodPut, "/v1/roles/"+role.ID+"/assignments/"+user, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return role
}

func TestRoutes_RequirePrincipal(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", http.MethodPost, "/v1/check", checkRequest{Resource: "docs", Action: "read"})
	assertProblem(t, rec, http.StatusUnauthorized, codeUnauthenticated)
}

func TestRoutes_RejectSystemPrincipal(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, engine.SystemPrincipal, http.MethodPost, "/v1/roles",
		createRoleRequest{Name: "pwn", Permissions: []string{"*:*"}})
	assertProblem(t, rec, http.StatusForbidden, errutil.CodePermissionDenied)

	_, err := f.roles.GetRoleByName(context.Background(), "pwn")
	errutil.AssertErrorCode(t, err, errutil.CodeNotFound)
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	f.seedReader(t, "alice")

	rec := f.do(t, "alice", http.MethodPost, "/v1/check", checkRequest{Resource: "docs", Action: "read"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[checkResponse](t, rec)
	assert.True(t, got.Allowed)
	assert.Equal(t, string(rbac.ReasonExact), got.Reason)
	assert.Equal(t, "reader", got.MatchedRole)
	assert.Equal(t, "alice", got.PrincipalID)
	assert.NotEmpty(t, got.AuditID)

	rec = f.do(t, "gateway", http.MethodPost, "/v1/check",
		checkRequest{PrincipalID: "bob", Resource: "docs", Action: "read"})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeBody[checkResponse](t, rec)
	assert.False(t, got.Allowed)
	assert.Equal(t, "bob", got.PrincipalID)
	assert.Equal(t, string(rbac.ReasonNoMatch), got.Reason)
}

func TestCheck_RejectsInvalidBodies(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing action", `{"resource":"docs"}`},
		{"unknown field", `{"resource":"docs","action":"read","extra":1}`},
		{"malformed", `{"resource":`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewBufferString(tt.body))
			req.Header.Set(PrincipalHeader, "alice")
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)
			assertProblem(t, rec, http.StatusBadRequest, errutil.CodeInvalidRequest)
		})
	}
}

func TestRoles_Lifecycle(t *testing.T) {
	f := newFixture(t)
	role := f.seedReader(t, "alice")
	assert.Equal(t, []string{"docs:read"}, role.Permissions)

	rec := f.do(t, rootPrincipal, http.MethodGet, "/v1/roles/"+role.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reader", decodeBody[roleResponse](t, rec).Name)

	rec = f.do(t, "alice", http.MethodGet, "/v1/users/alice/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code, "users may list their own roles")
	effective := decodeBody[[]roleResponse](t, rec)
	require.Len(t, effective, 1)
	assert.Equal(t, role.ID, effective[0].ID)

	rec = f.do(t, rootPrincipal, http.MethodGet, "/v1/users/alice/assignments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assignments := decodeBody[[]assignmentResponse](t, rec)
	require.Len(t, assignments, 1)
	assert.Equal(t, rootPrincipal, assignments[0].AssignedBy)

	rec = f.do(t, rootPrincipal, http.MethodPost, "/v1/permissions",
		registerPermissionRequest{Resource: "docs", Action: "write"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, rootPrincipal, http.MethodPut, "/v1/roles/"+role.ID+"/permissions",
		updatePermissionsRequest{Permissions: []string{"docs:read", "docs:write"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[roleResponse](t, rec)
	assert.Equal(t, []string{"docs:read", "docs:write"}, updated.Permissions)
	assert.Greater(t, updated.Version, role.Version)

	rec = f.do(t, rootPrincipal, http.MethodDelete, "/v1/roles/"+role.ID+"/assignments/alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, rootPrincipal, http.MethodDelete, "/v1/roles/"+role.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, rootPrincipal, http.MethodGet, "/v1/roles/"+role.ID, nil)
	assertProblem(t, rec, http.StatusNotFound, errutil.CodeNotFound)
}

func TestRoles_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.seedReader(t, "alice")

	rec := f.do(t, rootPrincipal, http.MethodPost, "/v1/roles",
		createRoleRequest{Name: "reader", Permissions: []string{"docs:read"}})
	assertProblem(t, rec, http.StatusConflict, errutil.CodeDuplicateName)

	rec = f.do(t, rootPrincipal, http.MethodPost, "/v1/roles",
		createRoleRequest{Name: "broken", Permissions: []string{"docs"}})
	assertProblem(t, rec, http.StatusBadRequest, errutil.CodeInvalidPermission)

	rec = f.do(t, "alice", http.MethodPost, "/v1/roles",
		createRoleRequest{Name: "sneaky", Permissions: []string{"*:*"}})
	assertProblem(t, rec, http.StatusForbidden, errutil.CodePermissionDenied)

	adminRole, err := f.roles.GetRoleByName(context.Background(), engine.AdminRoleName)
	require.NoError(t, err)
	rec = f.do(t, rootPrincipal, http.MethodDelete, "/v1/roles/"+adminRole.ID, nil)
	assertProblem(t, rec, http.StatusConflict, errutil.CodeSystemRoleProtected)

	past := time.Now().Add(-time.Hour)
	rec = f.do(t, rootPrincipal, http.MethodPut, "/v1/roles/"+adminRole.ID+"/assignments/bob",
		grantRequest{ExpiresAt: &past})
	assertProblem(t, rec, http.StatusBadRequest, errutil.CodeInvalidExpiry)

	rec = f.do(t, rootPrincipal, http.MethodPost, "/v1/roles", createRoleRequest{Name: "empty"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[errorBody](t, rec).Error.Message, "permissions")
}

func TestCatalog_FiltersByResource(t *testing.T) {
	f := newFixture(t)
	f.seedReader(t, "alice")

	rec := f.do(t, rootPrincipal, http.MethodGet, "/v1/permissions?resource=docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]catalogEntryResponse](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, catalogEntryResponse{Resource: "docs", Action: "read", Description: "Read documents"}, entries[0])
}

func TestFlags_Lifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, rootPrincipal, http.MethodPut, "/v1/flags/new-ui", putFlagRequest{
		Description: "New UI",
		Enabled:     true,
		TargetUsers: []string{"alice"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody[flagResponse](t, rec)
	assert.Equal(t, "new-ui", created.Name)
	assert.Equal(t, []string{"alice"}, created.TargetUsers)
	assert.Equal(t, []string{}, created.TargetRoles)

	rec = f.do(t, "alice", http.MethodPost, "/v1/flags/new-ui/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev := decodeBody[evaluateResponse](t, rec)
	assert.True(t, ev.Enabled)
	assert.Equal(t, string(flags.ReasonExplicitUser), ev.Reason)
	assert.Equal(t, created.Version, ev.FlagVersion)

	rec = f.do(t, "gateway", http.MethodPost, "/v1/flags/new-ui/evaluate",
		evaluateRequest{PrincipalID: "zed", Cohorts: []string{"beta"}})
	require.Equal(t, http.StatusOK, rec.Code)
	ev = decodeBody[evaluateResponse](t, rec)
	assert.False(t, ev.Enabled)
	assert.Equal(t, "zed", ev.PrincipalID)
	assert.Equal(t, string(flags.ReasonNotInRollout), ev.Reason)

	rec = f.do(t, rootPrincipal, http.MethodGet, "/v1/flags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]flagResponse](t, rec), 1)

	rec = f.do(t, rootPrincipal, http.MethodDelete, "/v1/flags/new-ui", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, rootPrincipal, http.MethodGet, "/v1/flags/new-ui", nil)
	assertProblem(t, rec, http.StatusNotFound, errutil.CodeNotFound)

	rec = f.do(t, "alice", http.MethodPost, "/v1/flags/new-ui/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev = decodeBody[evaluateResponse](t, rec)
	assert.False(t, ev.Enabled)
	assert.Equal(t, string(flags.ReasonFlagNotFound), ev.Reason)
}

func TestFlags_RejectsRolloutOutOfRange(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, rootPrincipal, http.MethodPut, "/v1/flags/new-ui",
		putFlagRequest{Enabled: true, RolloutPercentage: 101})
	assertProblem(t, rec, http.StatusBadRequest, errutil.CodeInvalidRequest)

	rec = f.do(t, "alice", http.MethodPut, "/v1/flags/new-ui", putFlagRequest{Enabled: true})
	assertProblem(t, rec, http.StatusForbidden, errutil.CodePermissionDenied)
}

func TestAudit_Query(t *testing.T) {
	f := newFixture(t)
	f.seedReader(t, "alice")
	for range 3 {
		rec := f.do(t, "alice", http.MethodPost, "/v1/check", checkRequest{Resource: "docs", Action: "read"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, rootPrincipal, http.MethodGet,
		"/v1/audit?principal_id=alice&event_type=permission_checked&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[auditResponse](t, rec)
	require.Len(t, page.Entries, 2)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, rootPrincipal, http.MethodGet,
		"/v1/audit?principal_id=alice&event_type=permission_checked&limit=2&after="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rest := decodeBody[auditResponse](t, rec)
	require.Len(t, rest.Entries, 1)
	assert.Greater(t, rest.Entries[0].ID, page.Entries[1].ID)

	rec = f.do(t, "alice", http.MethodGet, "/v1/audit", nil)
	assertProblem(t, rec, http.StatusForbidden, errutil.CodePermissionDenied)
}

func TestAudit_RejectsBadParameters(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"severity=loud", "from=yesterday", "to=2026-13-01", "limit=-1", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			rec := f.do(t, rootPrincipal, http.MethodGet, "/v1/audit?"+q, nil)
			assertProblem(t, rec, http.StatusBadRequest, errutil.CodeInvalidRequest)
		})
	}
}

func TestRateLimit_PerPrincipal(t *testing.T) {
	f := newFixture(t, WithRateLimit(2, time.Minute))

	for range 2 {
		rec := f.do(t, "alice", http.MethodPost, "/v1/check", checkRequest{Resource: "docs", Action: "read"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(t, "alice", http.MethodPost, "/v1/check", checkRequest{Resource: "docs", Action: "read"})
	assertProblem(t, rec, http.StatusTooManyRequests, codeRateLimited)

	rec = f.do(t, "bob", http.MethodPost, "/v1/check", checkRequest{Resource: "docs", Action: "read"})
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per principal")
}

func TestMetrics_RecordRoutePattern(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, WithMetrics(metrics))

	rec := f.do(t, rootPrincipal, http.MethodGet, "/v1/roles/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.InDelta(t, 1, testutil.ToFloat64(
		metrics.RequestsTotal.WithLabelValues("/v1/roles/{id}", http.MethodGet, "404")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.RequestDuration))
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		errutil.CodeNotFound:            http.StatusNotFound,
		errutil.CodeVersionConflict:     http.StatusConflict,
		errutil.CodeInvalidRange:        http.StatusBadRequest,
		errutil.CodePermissionDenied:    http.StatusForbidden,
		errutil.CodeTimeout:             http.StatusGatewayTimeout,
		errutil.CodeAuditWriteFailed:    http.StatusServiceUnavailable,
		errutil.CodeStoreFailed:         http.StatusServiceUnavailable,
		errutil.CodeCancelled:           http.StatusRequestTimeout,
		"":                              http.StatusInternalServerError,
		errutil.CodeSystemRoleProtected: http.StatusConflict,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}
