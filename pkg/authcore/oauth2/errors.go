// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth2

import (
	"errors"

	"github.com/ory/fosite"
)

// ErrorResponse maps any error to the HTTP status and RFC 6749 §5.2 body the
// token endpoint returns. Errors that are not RFC6749Errors become
// server_error without leaking the cause.
func ErrorResponse(err error) (int, map[string]string) {
	var rfcErr *fosite.RFC6749Error
	if !errors.As(err, &rfcErr) {
		rfcErr = fosite.ErrServerError
	}

	body := map[string]string{"error": rfcErr.ErrorField}
	if desc := rfcErr.GetDescription(); desc != "" {
		body["error_description"] = desc
	}
	return rfcErr.StatusCode(), body
}

// ServerError wraps an infrastructure failure so it surfaces as server_error
// one layer up while keeping the cause for logs.
func ServerError(err error) error {
	return fosite.ErrServerError.WithWrap(err).WithDebug(err.Error())
}
