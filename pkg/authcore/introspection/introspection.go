// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package introspection answers RFC 7662 token introspection requests.
//
// Introspect never fails: every malformed, unverifiable, expired or revoked
// token is reported inactive.
package introspection

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/telemetry"
	"github.com/stacklok/authcore/pkg/logger"
)

// Verifier checks a token signature against the deployed keys.
type Verifier interface {
	Verify(ctx context.Context, raw, fallbackDomain string) (jwt.JWT, error)
}

// Store looks up persisted token state.
type Store interface {
	GetAccessToken(ctx context.Context, id string) (*storage.AccessToken, error)
	GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error)
}

// Request is one introspection call.
type Request struct {
	// Token is the raw token presented.
	Token string

	// TokenTypeHint is the optional token_type_hint parameter.
	TokenTypeHint string

	// Offline skips the persisted state lookup; only the signature and
	// the time-based claims are checked.
	Offline bool

	// Caller is the introspecting client. Its domain is used to find keys
	// for tokens that carry no domain claim. May be nil.
	Caller *oauth2.Client
}

// Result is an active token.
type Result struct {
	// Claims are the verified claims with the audience removed.
	Claims jwt.JWT

	// ClientID is the client the token was issued to, taken from the
	// persisted record when one was consulted.
	ClientID string

	// TokenType is oauth2.TokenTypeHintAccessToken or
	// oauth2.TokenTypeHintRefreshToken; empty for offline results.
	TokenType string
}

// Response renders the RFC 7662 §2.2 body.
func (r *Result) Response() map[string]any {
	resp := make(map[string]any, len(r.Claims)+3)
	maps.Copy(resp, r.Claims)
	delete(resp, jwt.ClaimAudience)
	resp["active"] = true
	if r.ClientID != "" {
		resp[jwt.ClaimClientID] = r.ClientID
	}
	if r.TokenType == oauth2.TokenTypeHintAccessToken {
		resp["token_type"] = oauth2.TokenTypeBearer
	}
	return resp
}

// Inactive is the body for every token that is not active.
func Inactive() map[string]any {
	return map[string]any{"active": false}
}

// Engine introspects tokens.
type Engine struct {
	verifier  Verifier
	store     Store
	telemetry *telemetry.Recorder
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTelemetry records every introspection on r.
func WithTelemetry(r *telemetry.Recorder) Option {
	return func(e *Engine) {
		e.telemetry = r
	}
}

// NewEngine returns an introspection engine. store may be nil when every
// request is offline.
func NewEngine(verifier Verifier, store Store, opts ...Option) *Engine {
	e := &Engine{
		verifier:  verifier,
		store:     store,
		telemetry: telemetry.Noop(),
		now:       time.Now,
		logger:    logger.Get(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Introspect returns the active token, or false.
func (e *Engine) Introspect(ctx context.Context, req Request) (res *Result, active bool) {
	defer func() { e.telemetry.RecordIntrospection(ctx, active) }()

	if req.Token == "" {
		return nil, false
	}
	var fallback string
	if req.Caller != nil {
		fallback = req.Caller.Domain
	}

	claims, err := e.verifier.Verify(ctx, req.Token, fallback)
	if err != nil {
		e.logger.Debug("introspected token failed verification", "error", err)
		return nil, false
	}
	now := e.now()
	if claims.Expired(now) || claims.NotYetValid(now) {
		return nil, false
	}

	res = &Result{Claims: claims.Clone(), ClientID: claims.ClientID()}
	delete(res.Claims, jwt.ClaimAudience)

	if req.Offline {
		return res, true
	}
	if e.store == nil || claims.ID() == "" {
		return nil, false
	}

	clientID, tokenType, err := e.lookup(ctx, claims)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("token state lookup failed", "domain", claims.Domain(), "error", err)
		}
		return nil, false
	}
	res.ClientID = clientID
	res.TokenType = tokenType
	return res, true
}

// lookup searches the access and refresh repositories concurrently for the
// token's jti and returns the owning client and the repository it was
// found in.
func (e *Engine) lookup(ctx context.Context, claims jwt.JWT) (clientID, tokenType string, err error) {
	jti := claims.ID()

	var (
		access  *storage.AccessToken
		refresh *storage.RefreshToken
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec, err := e.store.GetAccessToken(gctx, jti)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		access = rec
		return nil
	})
	g.Go(func() error {
		rec, err := e.store.GetRefreshToken(gctx, jti)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		refresh = rec
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}

	domain := claims.Domain()
	switch {
	case access != nil && (domain == "" || access.Domain == domain):
		return access.ClientID, oauth2.TokenTypeHintAccessToken, nil
	case refresh != nil && (domain == "" || refresh.Domain == domain):
		return refresh.ClientID, oauth2.TokenTypeHintRefreshToken, nil
	default:
		return "", "", storage.ErrNotFound
	}
}
