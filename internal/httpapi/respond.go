// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Codes that only exist at the HTTP boundary.
const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeRateLimited     = "RATE_LIMITED"
	codeInternal        = "INTERNAL"
)

type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error problem `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: problem{Code: code, Message: message}})
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case errutil.CodeNotFound:
		return http.StatusNotFound
	case errutil.CodeDuplicateName, errutil.CodeVersionConflict, errutil.CodeSystemRoleProtected:
		return http.StatusConflict
	case errutil.CodeInvalidPermission, errutil.CodeInvalidRange, errutil.CodeInvalidExpiry, errutil.CodeInvalidRequest:
		return http.StatusBadRequest
	case errutil.CodePermissionDenied:
		return http.StatusForbidden
	case errutil.CodeTimeout:
		return http.StatusGatewayTimeout
	case errutil.CodeCancelled:
		return http.StatusRequestTimeout
	case errutil.CodeAuditWriteFailed, errutil.CodeStoreFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its code. Server-side failures are logged and
// their messages withheld from the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errutil.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		errutil.LogErrorContext(r.Context(), h.logger.With("method", r.Method, "path", r.URL.Path), "request failed", err)
		if code == "" {
			code = codeInternal
		}
		writeProblem(w, status, code, http.StatusText(status))
		return
	}
	writeProblem(w, status, code, err.Error())
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (h *Handler) decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return oops.In("httpapi").Code(errutil.CodeInvalidRequest).Wrapf(err, "malformed request body")
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return oops.In("httpapi").
			Code(errutil.CodeInvalidRequest).
			With("field", fe.Field()).
			With("rule", fe.Tag()).
			Errorf("%s", fieldMessage(fe))
	}
	return oops.In("httpapi").Code(errutil.CodeInvalidRequest).Wrap(err)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}
