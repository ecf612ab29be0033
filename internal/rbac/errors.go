// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

func roleNotFound(key, value string) error {
	return oops.In("rbac").Code(errutil.CodeNotFound).With(key, value).Errorf("role not found")
}

func assignmentNotFound(userID, roleID string) error {
	return oops.In("rbac").Code(errutil.CodeNotFound).
		With("user_id", userID).With("role_id", roleID).
		Errorf("role assignment not found")
}

func catalogNotFound(resource, action string) error {
	return oops.In("rbac").Code(errutil.CodeNotFound).
		With("resource", resource).With("action", action).
		Errorf("permission not in catalog")
}

func duplicateRoleName(name string) error {
	return oops.In("rbac").Code(errutil.CodeDuplicateName).With("name", name).Errorf("role name already exists")
}

func versionConflict(kind, key string, expected, actual int64) error {
	return oops.In("rbac").Code(errutil.CodeVersionConflict).
		With(kind, key).
		With("expected_version", expected).
		With("actual_version", actual).
		Errorf("%s was modified concurrently", kind)
}
