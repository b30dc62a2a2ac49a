// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth2 holds the protocol types shared by every authcore component:
// clients, subjects, inbound token requests, the resolved per-call
// OAuth2Request, and issued tokens.
package oauth2

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"
)

// Grant types handled by the built-in grant handlers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// TokenTypeBearer is the only token_type issued.
const TokenTypeBearer = "Bearer"

// Token type hints accepted by introspection and revocation (RFC 7009 §2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// ScopeOpenID triggers ID token issuance.
const ScopeOpenID = "openid"

// Request parameter names.
const (
	ParamGrantType    = "grant_type"
	ParamScope        = "scope"
	ParamCode         = "code"
	ParamRedirectURI  = "redirect_uri"
	ParamCodeVerifier = "code_verifier"
	ParamUsername     = "username"
	ParamPassword     = "password"
	ParamRefreshToken = "refresh_token"
	ParamClientID     = "client_id"
	ParamNonce        = "nonce"
	ParamClaims       = "claims"
	ParamMaxAge       = "max_age"
	ParamRequestURI   = "request_uri"
	ParamRequest      = "request"
	ParamResponseType = "response_type"
	ParamState        = "state"
)

// Client is the read-only view of a registered OAuth2 client.
type Client struct {
	// ID is the client_id.
	ID string

	// Domain is the tenant the client is registered in.
	Domain string

	// AuthorizedGrantTypes lists the grant types the client may use.
	AuthorizedGrantTypes []string

	// Scopes restricts the scopes the client may request.
	// An empty list places no restriction.
	Scopes []string

	// DefaultScopes are granted when a request carries no scope parameter.
	DefaultScopes []string

	// CertificateID selects a deployed certificate for signing.
	CertificateID string

	// Per-purpose signing algorithm preferences (OIDC client metadata).
	IDTokenSignedResponseAlg       string
	UserinfoSignedResponseAlg      string
	AuthorizationSignedResponseAlg string

	// Token lifetimes; zero falls back to the domain setting.
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	IDTokenValidity      time.Duration

	// DisableRefreshTokenRotation keeps the presented refresh token valid
	// across refresh_token grants instead of replacing it.
	DisableRefreshTokenRotation bool
}

// HasGrantType reports whether the client is authorized for grantType.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.AuthorizedGrantTypes, grantType)
}

// AllowsScopes reports whether every requested scope is permitted.
func (c *Client) AllowsScopes(requested []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	return fosite.Arguments(c.Scopes).Has(requested...)
}

// Subject is an authenticated resource owner.
type Subject struct {
	// ID is the stable identifier, used as "sub".
	ID string

	// Username is the login name, exposed as "username" on introspection.
	Username string

	// Claims are the user profile claims (OIDC standard claim names).
	Claims map[string]any

	// AuthTime is when the user authenticated; zero when unknown.
	AuthTime time.Time
}

// TokenRequest is the inbound token-endpoint request after client
// authentication, as handed over by the HTTP layer.
type TokenRequest struct {
	// GrantType is the grant_type parameter.
	GrantType string

	// Parameters holds every form parameter.
	Parameters url.Values

	// Confirmation is the proof-of-possession binding computed by the
	// transport (mTLS thumbprint, DPoP jkt). Carried opaquely into "cnf".
	Confirmation map[string]any
}

// Param returns the first value of a form parameter.
func (r *TokenRequest) Param(name string) string {
	return r.Parameters.Get(name)
}

// Scopes returns the space-delimited scope parameter as a list.
func (r *TokenRequest) Scopes() []string {
	return SplitScope(r.Param(ParamScope))
}

// OAuth2Request is the resolved state of one issuance call. It lives for a
// single token-endpoint invocation.
type OAuth2Request struct {
	// ID correlates every token issued by this call.
	ID string

	Domain    string
	ClientID  string
	GrantType string

	// Subject is nil for client-only grants.
	Subject *Subject

	// Scopes are the granted scopes.
	Scopes []string

	// Parameters are the token request parameters merged with the original
	// authorization request parameters.
	Parameters url.Values

	Confirmation map[string]any

	// AuthorizationCode is the consumed code, for code grants.
	AuthorizationCode string

	// RefreshTokenID is the jti of the refresh token presented, for
	// refresh_token grants.
	RefreshTokenID string

	// RefreshToken is the raw refresh token to hand back when rotation is
	// disabled.
	RefreshToken string

	RequestedAt time.Time
}

// SubjectID returns "sub": the user when present, otherwise the client.
func (r *OAuth2Request) SubjectID() string {
	if r.Subject != nil && r.Subject.ID != "" {
		return r.Subject.ID
	}
	return r.ClientID
}

// IsClientOnly reports whether no resource owner takes part.
func (r *OAuth2Request) IsClientOnly() bool {
	return r.Subject == nil
}

// HasScope reports whether scope was granted.
func (r *OAuth2Request) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// Token is an issued access token together with its companions.
type Token struct {
	// Value is the compact JWT access token.
	Value string

	Type string

	// ExpiresIn is computed at issuance; never part of the signed payload.
	ExpiresIn int64

	Scopes []string

	RefreshToken string
	IDToken      string

	Subject   string
	ClientID  string
	IssuedAt  time.Time
	ExpiresAt time.Time

	Confirmation map[string]any

	// AdditionalClaims are claims beyond the registered set.
	AdditionalClaims map[string]any
}

// Response renders the RFC 6749 §5.1 success body.
func (t *Token) Response() map[string]any {
	resp := map[string]any{
		"access_token": t.Value,
		"token_type":   t.Type,
		"expires_in":   t.ExpiresIn,
	}
	if t.RefreshToken != "" {
		resp["refresh_token"] = t.RefreshToken
	}
	if len(t.Scopes) > 0 {
		resp["scope"] = JoinScope(t.Scopes)
	}
	if t.IDToken != "" {
		resp["id_token"] = t.IDToken
	}
	return resp
}

// SplitScope parses a space-delimited scope string.
func SplitScope(scope string) []string {
	return fosite.RemoveEmpty(strings.Split(scope, " "))
}

// JoinScope renders scopes in the wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
