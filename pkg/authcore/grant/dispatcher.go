// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/telemetry"
	"github.com/stacklok/authcore/pkg/logger"
)

var (
	// ErrFrozen is returned by Register after Freeze.
	ErrFrozen = errors.New("grant dispatcher is frozen")

	// ErrDuplicateGrantType is returned when a grant type is registered twice.
	ErrDuplicateGrantType = errors.New("grant type already registered")
)

// Dispatcher routes token requests to grant handlers. Handlers are
// registered during startup; after Freeze the handler table is read-only.
type Dispatcher struct {
	handlers  atomic.Pointer[map[string]Handler]
	frozen    atomic.Bool
	telemetry *telemetry.Recorder
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTelemetry records every dispatch on r.
func WithTelemetry(r *telemetry.Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.telemetry = r
	}
}

// NewDispatcher returns an empty, unfrozen dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		telemetry: telemetry.Noop(),
		logger:    logger.Get(),
	}
	empty := map[string]Handler{}
	d.handlers.Store(&empty)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs h for grantType.
func (d *Dispatcher) Register(grantType string, h Handler) error {
	if grantType == "" || h == nil {
		return fmt.Errorf("grant type and handler are required")
	}
	for {
		if d.frozen.Load() {
			return ErrFrozen
		}
		old := d.handlers.Load()
		if _, ok := (*old)[grantType]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateGrantType, grantType)
		}
		next := maps.Clone(*old)
		next[grantType] = h
		if d.handlers.CompareAndSwap(old, &next) {
			d.logger.Debug("registered grant handler", "grant_type", grantType)
			return nil
		}
	}
}

// Freeze makes the handler table read-only.
func (d *Dispatcher) Freeze() {
	d.frozen.Store(true)
}

// GrantTypes returns the registered grant types in sorted order.
func (d *Dispatcher) GrantTypes() []string {
	return slices.Sorted(maps.Keys(*d.handlers.Load()))
}

// Grant runs the handler for req.GrantType on behalf of the authenticated
// client. Errors are *fosite.RFC6749Error values.
func (d *Dispatcher) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (tok *oauth2.Token, err error) {
	grantType := req.GrantType
	if grantType == "" {
		grantType = req.Param(oauth2.ParamGrantType)
	}

	ctx, done := d.telemetry.StartGrant(ctx, grantType, client.Domain, client.ID, &err)
	defer done()

	if grantType == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'grant_type' parameter is missing.")
	}
	if !client.HasGrantType(grantType) {
		return nil, fosite.ErrUnauthorizedClient.WithHintf("The client is not authorized to use grant type '%s'.", grantType)
	}
	h, ok := (*d.handlers.Load())[grantType]
	if !ok {
		return nil, fosite.ErrUnsupportedGrantType.WithHintf("Grant type '%s' is not supported.", grantType)
	}

	tok, err = h.Grant(ctx, req, client)
	if err != nil {
		d.logger.Debug("grant rejected",
			"domain", client.Domain,
			"client_id", client.ID,
			"grant_type", grantType,
			"error", telemetry.Outcome(err),
		)
		var rfcErr *fosite.RFC6749Error
		if !errors.As(err, &rfcErr) {
			return nil, oauth2.ServerError(err)
		}
		return nil, err
	}
	return tok, nil
}
