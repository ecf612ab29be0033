// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"time"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
)

type checkRequest struct {
	// PrincipalID defaults to the caller.
	PrincipalID string `json:"principal_id"`
	Resource    string `json:"resource" validate:"required"`
	Action      string `json:"action" validate:"required"`
}

type checkResponse struct {
	PrincipalID string    `json:"principal_id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	MatchedRole string    `json:"matched_role,omitempty"`
	Cached      bool      `json:"cached"`
	AuditID     string    `json:"audit_id"`
	DecidedAt   time.Time `json:"decided_at"`
}

type evaluateRequest struct {
	PrincipalID string `json:"principal_id"`
	// Roles and Cohorts replace the engine's own lookups when either is set.
	Roles   []string `json:"roles"`
	Cohorts []string `json:"cohorts"`
}

type evaluateResponse struct {
	Flag        string    `json:"flag"`
	PrincipalID string    `json:"principal_id"`
	Enabled     bool      `json:"enabled"`
	Reason      string    `json:"reason"`
	FlagVersion int64     `json:"flag_version"`
	Bucket      int       `json:"bucket"`
	Cached      bool      `json:"cached"`
	AuditID     string    `json:"audit_id"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=128"`
	Description string   `json:"description" validate:"max=1024"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
	System      bool     `json:"system"`
}

type updatePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
}

type grantRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

type registerPermissionRequest struct {
	Resource    string `json:"resource" validate:"required"`
	Action      string `json:"action" validate:"required"`
	Description string `json:"description" validate:"max=1024"`
}

type putFlagRequest struct {
	Description       string   `json:"description" validate:"max=1024"`
	Enabled           bool     `json:"enabled"`
	RolloutPercentage int      `json:"rollout_percentage" validate:"gte=0,lte=100"`
	TargetUsers       []string `json:"target_users" validate:"dive,required"`
	TargetRoles       []string `json:"target_roles" validate:"dive,required"`
	TargetCohorts     []string `json:"target_cohorts" validate:"dive,required"`
}

type roleResponse struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Permissions        []string  `json:"permissions"`
	MinimumPermissions []string  `json:"minimum_permissions,omitempty"`
	System             bool      `json:"system"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toRole(r *rbac.Role) roleResponse {
	return roleResponse{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		Permissions:        rbac.PermissionStrings(r.Permissions),
		MinimumPermissions: rbac.PermissionStrings(r.MinimumPermissions),
		System:             r.IsSystem,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func toRoles(roles []*rbac.Role) []roleResponse {
	out := make([]roleResponse, len(roles))
	for i, r := range roles {
		out[i] = toRole(r)
	}
	return out
}

type assignmentResponse struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Version    int64      `json:"version"`
}

func toAssignment(a rbac.RoleAssignment) assignmentResponse {
	return assignmentResponse{
		UserID:     a.UserID,
		RoleID:     a.RoleID,
		AssignedAt: a.AssignedAt,
		AssignedBy: a.AssignedBy,
		ExpiresAt:  a.ExpiresAt,
		Version:    a.Version,
	}
}

type catalogEntryResponse struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

type flagResponse struct {
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rollout_percentage"`
	TargetUsers       []string  `json:"target_users"`
	TargetRoles       []string  `json:"target_roles"`
	TargetCohorts     []string  `json:"target_cohorts"`
	Version           int64     `json:"version"`
	UpdatedBy         string    `json:"updated_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toFlag(f *flags.FeatureFlag) flagResponse {
	return flagResponse{
		Name:              f.Name,
		Description:       f.Description,
		Enabled:           f.Enabled,
		RolloutPercentage: f.RolloutPercentage,
		TargetUsers:       nonNil(f.TargetUsers),
		TargetRoles:       nonNil(f.TargetRoles),
		TargetCohorts:     nonNil(f.TargetCohorts),
		Version:           f.Version,
		UpdatedBy:         f.UpdatedBy,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
}

type auditResponse struct {
	Entries    []audit.Entry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
