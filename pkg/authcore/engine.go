// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcore assembles the token engine of a multi-tenant OAuth2 and
// OpenID Connect authorization server. An Engine owns the deployed domains
// with their keys and clients, and exposes grant dispatch, authorization
// code and pushed request lifecycles, introspection and revocation to the
// HTTP layer.
package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authcore/pkg/authcore/certs"
	"github.com/stacklok/authcore/pkg/authcore/code"
	"github.com/stacklok/authcore/pkg/authcore/config"
	"github.com/stacklok/authcore/pkg/authcore/grant"
	"github.com/stacklok/authcore/pkg/authcore/introspection"
	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/par"
	"github.com/stacklok/authcore/pkg/authcore/revocation"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/telemetry"
	"github.com/stacklok/authcore/pkg/authcore/token"
	"github.com/stacklok/authcore/pkg/logger"
)

var (
	// ErrUnknownClient is returned by Client for an unregistered client.
	ErrUnknownClient = errors.New("unknown client")

	// ErrDomainMismatch is returned by Deploy when the parts of a domain
	// disagree on its identity.
	ErrDomainMismatch = keys.ErrDomainMismatch
)

// Engine is the assembled token engine. It is safe for concurrent use.
type Engine struct {
	store    storage.Storage
	registry *keys.Registry

	resolver      *certs.Resolver
	codes         *code.Service
	pushed        *par.Service
	factory       *token.Factory
	dispatcher    *grant.Dispatcher
	introspection *introspection.Engine
	revocation    *revocation.Engine
}

type options struct {
	authenticator  grant.Authenticator
	subjects       grant.SubjectSource
	extensions     map[string]grant.Handler
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures an Engine.
type Option func(*options)

// WithAuthenticator enables the password grant.
func WithAuthenticator(a grant.Authenticator) Option {
	return func(o *options) {
		o.authenticator = a
	}
}

// WithSubjectSource resolves user claims for the authorization code and
// refresh token grants. Without one, subjects carry only their id.
func WithSubjectSource(s grant.SubjectSource) Option {
	return func(o *options) {
		o.subjects = s
	}
}

// WithExtensionGrant registers a handler for an extension grant type.
func WithExtensionGrant(grantType string, h grant.Handler) Option {
	return func(o *options) {
		o.extensions[grantType] = h
	}
}

// WithTelemetry records metrics and traces on the given providers.
func WithTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
		o.tracerProvider = tp
	}
}

// New assembles an engine over store. Domains are added with Deploy.
func New(store storage.Storage, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}

	o := &options{extensions: map[string]grant.Handler{}}
	for _, opt := range opts {
		opt(o)
	}

	recorder := telemetry.Noop()
	if o.meterProvider != nil || o.tracerProvider != nil {
		if o.meterProvider == nil {
			o.meterProvider = otel.GetMeterProvider()
		}
		if o.tracerProvider == nil {
			o.tracerProvider = otel.GetTracerProvider()
		}
		var err error
		recorder, err = telemetry.NewRecorder(o.meterProvider, o.tracerProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry recorder: %w", err)
		}
	}

	registry := keys.NewRegistry()
	resolver := certs.NewResolver(registry)
	codes := code.NewService(store, registry)
	factory := token.NewFactory(registry, certs.NewSelector(registry), store)

	dispatcher := grant.NewDispatcher(grant.WithTelemetry(recorder))
	builtins := map[string]grant.Handler{
		oauth2.GrantTypeAuthorizationCode: grant.NewAuthorizationCodeHandler(codes, o.subjects, factory),
		oauth2.GrantTypeRefreshToken:      grant.NewRefreshTokenHandler(resolver, store, o.subjects, factory),
		oauth2.GrantTypeClientCredentials: grant.NewClientCredentialsHandler(factory),
	}
	if o.authenticator != nil {
		builtins[oauth2.GrantTypePassword] = grant.NewPasswordHandler(o.authenticator, factory)
	}
	for _, handlers := range []map[string]grant.Handler{builtins, o.extensions} {
		for grantType, h := range handlers {
			if err := dispatcher.Register(grantType, h); err != nil {
				return nil, fmt.Errorf("failed to register grant %s: %w", grantType, err)
			}
		}
	}
	dispatcher.Freeze()

	e := &Engine{
		store:         store,
		registry:      registry,
		resolver:      resolver,
		codes:         codes,
		pushed:        par.NewService(store, registry),
		factory:       factory,
		dispatcher:    dispatcher,
		introspection: introspection.NewEngine(resolver, store, introspection.WithTelemetry(recorder)),
		revocation:    revocation.NewEngine(resolver, store, revocation.WithTelemetry(recorder)),
	}

	logger.Debugw("token engine assembled", "grant_types", dispatcher.GrantTypes())
	return e, nil
}

// NewFromConfig opens the configured storage and deploys every configured
// domain.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	store, err := config.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	e, err := New(store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for i := range cfg.Domains {
		if err := e.DeployConfig(&cfg.Domains[i]); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return e, nil
}

// DeployConfig builds and deploys one configured domain.
func (e *Engine) DeployConfig(d *config.DomainConfig) error {
	dom, err := d.Domain()
	if err != nil {
		return fmt.Errorf("domain %s: %w", d.ID, err)
	}
	snap, err := d.Snapshot()
	if err != nil {
		return fmt.Errorf("domain %s: %w", d.ID, err)
	}
	return e.Deploy(dom, snap, d.OAuth2Clients())
}

// Deploy installs or replaces a domain with its keys and clients. The three
// are swapped in as one snapshot, and in-flight calls keep the snapshot they
// started with.
func (e *Engine) Deploy(dom *oauth2.Domain, snap *keys.Snapshot, clients []*oauth2.Client) error {
	if dom == nil || snap == nil {
		return errors.New("domain and key snapshot are required")
	}
	bound, err := snap.Bind(dom, clients)
	if err != nil {
		return err
	}

	e.registry.Deploy(bound)

	logger.ForDomain(dom.ID).Info("domain deployed",
		"issuer", dom.Issuer,
		"certificates", len(bound.Providers()),
		"clients", len(clients),
	)
	return nil
}

// Undeploy removes a domain. Tokens it issued stop verifying.
func (e *Engine) Undeploy(id string) {
	e.registry.Undeploy(id)
	logger.ForDomain(id).Info("domain undeployed")
}

// Client returns a registered client.
func (e *Engine) Client(domain, id string) (*oauth2.Client, error) {
	if snap, ok := e.registry.Snapshot(domain); ok {
		if c, ok := snap.Client(id); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownClient, domain, id)
}

// Domains lists the deployed domain ids.
func (e *Engine) Domains() []string {
	return e.registry.Domains()
}

// Grant runs the token endpoint for an authenticated client.
func (e *Engine) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error) {
	return e.dispatcher.Grant(ctx, req, client)
}

// Introspect reports whether a token is active.
func (e *Engine) Introspect(ctx context.Context, req introspection.Request) (*introspection.Result, bool) {
	return e.introspection.Introspect(ctx, req)
}

// Revoke revokes a token on behalf of client.
func (e *Engine) Revoke(ctx context.Context, raw, hint string, client *oauth2.Client) error {
	return e.revocation.Revoke(ctx, raw, hint, client)
}

// JWKS returns the public keys of a domain.
func (e *Engine) JWKS(domain string) (jose.JSONWebKeySet, error) {
	snap, ok := e.registry.Snapshot(domain)
	if !ok {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %s", oauth2.ErrUnknownDomain, domain)
	}
	return snap.JWKS(), nil
}

// Codes returns the authorization code service.
func (e *Engine) Codes() *code.Service { return e.codes }

// PushedRequests returns the pushed authorization request service.
func (e *Engine) PushedRequests() *par.Service { return e.pushed }

// Tokens returns the token factory, for userinfo and signed authorization
// responses.
func (e *Engine) Tokens() *token.Factory { return e.factory }

// Verifier returns the signature verifier over every deployed domain.
func (e *Engine) Verifier() *certs.Resolver { return e.resolver }

// Ping checks the storage backend.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Close releases the storage backend.
func (e *Engine) Close() error {
	return e.store.Close()
}
