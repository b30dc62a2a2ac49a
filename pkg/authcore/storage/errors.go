// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = httperr.WithCode(
		errors.New("record not found"),
		http.StatusNotFound,
	)

	// ErrExpired is returned when a record is created with an expiry that
	// has already passed. Nothing is stored.
	ErrExpired = httperr.WithCode(
		errors.New("record already expired"),
		http.StatusBadRequest,
	)

	// ErrAlreadyExists is returned when a record key is already taken.
	ErrAlreadyExists = httperr.WithCode(
		errors.New("record already exists"),
		http.StatusConflict,
	)
)
