// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package rbac stores roles, role assignments and the permission catalog, and
// resolves them into allow/deny decisions.
package rbac

import (
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

// PermissionKind classifies a parsed permission.
type PermissionKind uint8

// Permission kinds, from narrowest to broadest.
const (
	KindExact PermissionKind = iota
	KindWildcardResource
	KindWildcardAll
)

// Permission is a parsed "resource:action" string. Only three shapes exist:
// "resource:action", "resource:*" and "*:*".
type Permission struct {
	Resource string
	Action   string
	Kind     PermissionKind
}

// ParsePermission parses s into a Permission. It fails with INVALID_PERMISSION
// for anything other than the three accepted shapes.
func ParsePermission(s string) (Permission, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(action, ":") {
		return Permission{}, invalidPermission(s, "expected resource:action")
	}
	if resource == "" || action == "" {
		return Permission{}, invalidPermission(s, "resource and action must be non-empty")
	}
	if strings.ContainsAny(resource, " \t\n") || strings.ContainsAny(action, " \t\n") {
		return Permission{}, invalidPermission(s, "whitespace is not allowed")
	}

	switch {
	case resource == Wildcard && action == Wildcard:
		return Permission{Resource: Wildcard, Action: Wildcard, Kind: KindWildcardAll}, nil
	case resource == Wildcard:
		return Permission{}, invalidPermission(s, "a wildcard resource requires a wildcard action")
	case action == Wildcard:
		return Permission{Resource: resource, Action: Wildcard, Kind: KindWildcardResource}, nil
	case strings.Contains(resource, Wildcard) || strings.Contains(action, Wildcard):
		return Permission{}, invalidPermission(s, "partial wildcards are not supported")
	default:
		return Permission{Resource: resource, Action: action, Kind: KindExact}, nil
	}
}

// MustParsePermission is ParsePermission for constants; it panics on error.
func MustParsePermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePermissions parses and de-duplicates a list, returning it in
// canonical order.
func ParsePermissions(ss []string) ([]Permission, error) {
	seen := make(map[string]struct{}, len(ss))
	out := make([]Permission, 0, len(ss))
	for _, s := range ss {
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p.String()]; dup {
			continue
		}
		seen[p.String()] = struct{}{}
		out = append(out, p)
	}
	SortPermissions(out)
	return out, nil
}

// String returns the canonical "resource:action" form.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// Covers reports whether p grants resource:action.
func (p Permission) Covers(resource, action string) bool {
	switch p.Kind {
	case KindWildcardAll:
		return true
	case KindWildcardResource:
		return p.Resource == resource
	default:
		return p.Resource == resource && p.Action == action
	}
}

// Includes reports whether every request other grants is also granted by p.
func (p Permission) Includes(other Permission) bool {
	switch p.Kind {
	case KindWildcardAll:
		return true
	case KindWildcardResource:
		return other.Kind != KindWildcardAll && p.Resource == other.Resource
	default:
		return p == other
	}
}

// SortPermissions orders permissions by their canonical string.
func SortPermissions(ps []Permission) {
	slices.SortFunc(ps, func(a, b Permission) int {
		return strings.Compare(a.String(), b.String())
	})
}

// PermissionStrings renders ps in canonical form.
func PermissionStrings(ps []Permission) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func invalidPermission(s, msg string) error {
	return oops.In("rbac").
		Code(errutil.CodeInvalidPermission).
		With("permission", s).
		Errorf("invalid permission %q: %s", s, msg)
}
