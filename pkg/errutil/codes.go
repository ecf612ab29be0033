// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import "github.com/samber/oops"

// Error codes shared by the decision engine packages.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeDuplicateName       = "DUPLICATE_NAME"
	CodeInvalidPermission   = "INVALID_PERMISSION"
	CodeInvalidRange        = "INVALID_RANGE"
	CodeInvalidExpiry       = "INVALID_EXPIRY"
	CodeVersionConflict     = "VERSION_CONFLICT"
	CodeAuditWriteFailed    = "AUDIT_WRITE_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeSystemRoleProtected = "SYSTEM_ROLE_PROTECTED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeCancelled           = "CANCELLED"
	CodeStoreFailed         = "STORE_FAILED"
)

// CodeOf returns the oops error code carried by err, or "" if there is none.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string) //nolint:errcheck // non-string codes are treated as absent
	return code
}

// HasCode reports whether err carries the given oops error code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsVersionConflict reports whether err is a VERSION_CONFLICT error.
func IsVersionConflict(err error) bool {
	return HasCode(err, CodeVersionConflict)
}
