// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package revocation implements RFC 7009 token revocation against the
// persisted token state.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/telemetry"
	"github.com/stacklok/authcore/pkg/authcore/token"
	"github.com/stacklok/authcore/pkg/logger"
)

// Verifier checks a token signature against the deployed keys.
type Verifier interface {
	Verify(ctx context.Context, raw, fallbackDomain string) (jwt.JWT, error)
}

// Store is the token state revocation mutates.
type Store interface {
	storage.AccessTokenRepository
	storage.RefreshTokenRepository
}

// Engine revokes tokens.
type Engine struct {
	verifier  Verifier
	store     Store
	telemetry *telemetry.Recorder
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTelemetry records every revocation on r.
func WithTelemetry(r *telemetry.Recorder) Option {
	return func(e *Engine) {
		e.telemetry = r
	}
}

// NewEngine returns a revocation engine.
func NewEngine(verifier Verifier, store Store, opts ...Option) *Engine {
	e := &Engine{
		verifier:  verifier,
		store:     store,
		telemetry: telemetry.Noop(),
		logger:    logger.Get(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Revoke invalidates raw on behalf of client. Revoking a refresh token also
// revokes every access token issued with it. Unknown, unverifiable, already
// revoked and foreign tokens succeed without side effects; only a missing
// token parameter or a storage failure is returned.
func (e *Engine) Revoke(ctx context.Context, raw, hint string, client *oauth2.Client) (err error) {
	defer func() { e.telemetry.RecordRevocation(ctx, hint, err) }()

	if raw == "" {
		return fosite.ErrInvalidRequest.WithHint("The 'token' parameter is missing.")
	}

	claims, verr := e.verifier.Verify(ctx, raw, client.Domain)
	if verr != nil {
		e.logger.Debug("ignoring revocation of unverifiable token", "client_id", client.ID, "error", verr)
		return nil
	}
	jti := claims.ID()
	if jti == "" || claims.ClientID() != client.ID {
		return nil
	}

	// Deletes outlive the caller.
	wctx := context.WithoutCancel(ctx)

	// The token_use claim is authoritative; hint only labels telemetry.
	if token.IsRefreshToken(claims) {
		return e.revokeRefresh(wctx, jti, client)
	}
	return e.revokeAccess(wctx, jti, client)
}

func (e *Engine) revokeRefresh(ctx context.Context, jti string, client *oauth2.Client) error {
	rec, err := e.store.GetRefreshToken(ctx, jti)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Already revoked or rotated; its access tokens may still be live.
	case err != nil:
		return oauth2.ServerError(fmt.Errorf("failed to load refresh token: %w", err))
	case !owns(client, rec.Domain, rec.ClientID):
		return nil
	default:
		if err := e.store.DeleteRefreshToken(ctx, jti); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return oauth2.ServerError(fmt.Errorf("failed to delete refresh token: %w", err))
		}
	}

	if err := e.store.DeleteAccessTokensByRefreshToken(ctx, jti); err != nil {
		return oauth2.ServerError(fmt.Errorf("failed to cascade refresh token revocation: %w", err))
	}
	e.logger.Debug("refresh token revoked", "domain", client.Domain, "client_id", client.ID, "jti", jti)
	return nil
}

func (e *Engine) revokeAccess(ctx context.Context, jti string, client *oauth2.Client) error {
	rec, err := e.store.GetAccessToken(ctx, jti)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return oauth2.ServerError(fmt.Errorf("failed to load access token: %w", err))
	}
	if !owns(client, rec.Domain, rec.ClientID) {
		return nil
	}
	if err := e.store.DeleteAccessToken(ctx, jti); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return oauth2.ServerError(fmt.Errorf("failed to delete access token: %w", err))
	}
	e.logger.Debug("access token revoked", "domain", client.Domain, "client_id", client.ID, "jti", jti)
	return nil
}

func owns(client *oauth2.Client, domain, clientID string) bool {
	return client.ID == clientID && client.Domain == domain
}
