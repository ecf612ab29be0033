// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

func flagNotFound(name string) error {
	return oops.In("flags").Code(errutil.CodeNotFound).With("flag", name).Errorf("feature flag not found")
}

func versionConflict(name string, expected, actual int64) error {
	return oops.In("flags").Code(errutil.CodeVersionConflict).
		With("flag", name).
		With("expected_version", expected).
		With("actual_version", actual).
		Errorf("feature flag was modified concurrently")
}
