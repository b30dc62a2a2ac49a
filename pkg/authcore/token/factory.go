// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token builds, signs and records the tokens issued by a grant.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/authcore/certs"
	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// RefreshPolicy controls whether Create may issue a refresh token.
type RefreshPolicy int

const (
	// RefreshAllowed issues a refresh token when the client is authorized
	// for the refresh_token grant.
	RefreshAllowed RefreshPolicy = iota

	// RefreshDenied never issues a refresh token.
	RefreshDenied
)

// TokenUseRefresh is the token_use claim value of refresh tokens.
const TokenUseRefresh = "refresh"

// IsRefreshToken reports whether verified claims belong to a refresh token.
func IsRefreshToken(claims jwt.JWT) bool {
	return claims.String(jwt.ClaimTokenUse) == TokenUseRefresh
}

// Store is the persistence the factory records issued tokens in.
type Store interface {
	storage.AccessTokenRepository
	storage.RefreshTokenRepository
}

// Deployments resolves the deployed snapshot of a domain. *keys.Registry
// implements it.
type Deployments interface {
	Snapshot(domain string) (*keys.Snapshot, bool)
}

// Signer picks the provider for a purpose from a pinned snapshot.
// *certs.Selector implements it.
type Signer interface {
	SelectFrom(ctx context.Context, snap *keys.Snapshot, purpose certs.Purpose, client *oauth2.Client) (*keys.Provider, error)
}

// Factory creates tokens for resolved requests.
type Factory struct {
	deployments Deployments
	signer      Signer
	store       Store
	now         func() time.Time
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		f.now = now
	}
}

// NewFactory returns a Factory.
func NewFactory(deployments Deployments, signer Signer, store Store, opts ...Option) *Factory {
	f := &Factory{
		deployments: deployments,
		signer:      signer,
		store:       store,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// deployment pins the snapshot of the client's domain. Settings and keys
// come from the same deploy.
func (f *Factory) deployment(client *oauth2.Client) (*keys.Snapshot, error) {
	snap, ok := f.deployments.Snapshot(client.Domain)
	if !ok || snap.Settings() == nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to resolve domain %q: %w", client.Domain, oauth2.ErrUnknownDomain))
	}
	return snap, nil
}

// issuance carries the values shared by every token of one Create call.
type issuance struct {
	snap   *keys.Snapshot
	dom    *oauth2.Domain
	client *oauth2.Client
	req    *oauth2.OAuth2Request
	now    time.Time
	vars   map[string]any
	logger *slog.Logger
}

// Create issues an access token for req, plus a refresh token when the
// client and policy allow it and an ID token when openid was granted to a
// user. Access and refresh tokens are recorded before returning.
func (f *Factory) Create(
	ctx context.Context,
	req *oauth2.OAuth2Request,
	client *oauth2.Client,
	policy RefreshPolicy,
) (*oauth2.Token, error) {
	snap, err := f.deployment(client)
	if err != nil {
		return nil, err
	}
	dom := snap.Settings()

	is := &issuance{
		snap:   snap,
		dom:    dom,
		client: client,
		req:    req,
		now:    f.now().Truncate(time.Second),
		logger: logger.ForDomain(dom.ID),
	}
	is.vars = mapperVars(req, client)

	accessTTL := dom.AccessTokenTTL(client)
	accessID := uuid.NewString()

	// Rotation disabled: the presented refresh token carries on.
	refreshID, refreshValue := req.RefreshTokenID, req.RefreshToken
	var refreshRec *storage.RefreshToken
	if refreshValue == "" && f.issuesRefresh(req, client, policy) {
		refreshRec, refreshValue, err = f.refreshToken(ctx, is)
		if err != nil {
			return nil, err
		}
		refreshID = refreshRec.ID
	}

	accessClaims := f.registered(is, accessID, accessTTL)
	if len(req.Confirmation) > 0 {
		accessClaims[jwt.ClaimConfirmation] = maps.Clone(req.Confirmation)
	}
	f.applyMappers(is, accessClaims)

	accessValue, err := f.sign(ctx, is, certs.PurposeAccessToken, accessClaims)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		Value:            accessValue,
		Type:             oauth2.TokenTypeBearer,
		ExpiresIn:        int64(accessTTL / time.Second),
		Scopes:           slices.Clone(req.Scopes),
		RefreshToken:     refreshValue,
		Subject:          req.SubjectID(),
		ClientID:         client.ID,
		IssuedAt:         is.now,
		ExpiresAt:        is.now.Add(accessTTL),
		Confirmation:     req.Confirmation,
		AdditionalClaims: additional(accessClaims),
	}

	if req.HasScope(oauth2.ScopeOpenID) && !req.IsClientOnly() {
		tok.IDToken, err = f.idToken(ctx, is, accessValue)
		if err != nil {
			return nil, err
		}
	}

	// Records are written even if the caller stops waiting.
	wctx := context.WithoutCancel(ctx)
	if refreshRec != nil {
		if err := f.store.CreateRefreshToken(wctx, refreshRec); err != nil {
			return nil, oauth2.ServerError(fmt.Errorf("failed to store refresh token: %w", err))
		}
	}
	if err := f.store.CreateAccessToken(wctx, &storage.AccessToken{
		ID:                accessID,
		Domain:            client.Domain,
		ClientID:          client.ID,
		Subject:           req.SubjectID(),
		Scopes:            slices.Clone(req.Scopes),
		RefreshTokenID:    refreshID,
		AuthorizationCode: req.AuthorizationCode,
		CreatedAt:         is.now,
		ExpireAt:          is.now.Add(accessTTL),
	}); err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to store access token: %w", err))
	}

	is.logger.Debug("token issued",
		"client_id", client.ID,
		"grant_type", req.GrantType,
		"jti", accessID,
		"refresh_token", refreshRec != nil,
		"id_token", tok.IDToken != "",
	)
	return tok, nil
}

func (*Factory) issuesRefresh(req *oauth2.OAuth2Request, client *oauth2.Client, policy RefreshPolicy) bool {
	return policy == RefreshAllowed &&
		req.GrantType != oauth2.GrantTypeClientCredentials &&
		client.HasGrantType(oauth2.GrantTypeRefreshToken)
}

func (f *Factory) refreshToken(ctx context.Context, is *issuance) (*storage.RefreshToken, string, error) {
	ttl := is.dom.RefreshTokenTTL(is.client)
	rec := &storage.RefreshToken{
		ID:                uuid.NewString(),
		Domain:            is.client.Domain,
		ClientID:          is.client.ID,
		Subject:           is.req.SubjectID(),
		Scopes:            slices.Clone(is.req.Scopes),
		AuthorizationCode: is.req.AuthorizationCode,
		CreatedAt:         is.now,
		ExpireAt:          is.now.Add(ttl),
	}
	claims := f.registered(is, rec.ID, ttl)
	claims[jwt.ClaimTokenUse] = TokenUseRefresh
	value, err := f.sign(ctx, is, certs.PurposeRefreshToken, claims)
	if err != nil {
		return nil, "", err
	}
	return rec, value, nil
}

// idToken assembles the ID token: registered claims, then request-derived
// claims and scope claims first-write-wins, then the domain mappers
// last-write-wins.
func (f *Factory) idToken(ctx context.Context, is *issuance, accessValue string) (string, error) {
	req := is.req
	subject := req.Subject

	claims := jwt.JWT{
		jwt.ClaimIssuer:          is.dom.Issuer,
		jwt.ClaimSubject:         req.SubjectID(),
		jwt.ClaimAudience:        is.client.ID,
		jwt.ClaimAuthorizedParty: is.client.ID,
		jwt.ClaimDomain:          is.client.Domain,
		jwt.ClaimIssuedAt:        is.now.Unix(),
		jwt.ClaimExpiresAt:       is.now.Add(is.dom.IDTokenTTL(is.client)).Unix(),
	}

	if nonce := req.Parameters.Get(oauth2.ParamNonce); nonce != "" {
		setAbsent(claims, jwt.ClaimNonce, nonce)
	}
	if !subject.AuthTime.IsZero() {
		setAbsent(claims, jwt.ClaimAuthTime, subject.AuthTime.Unix())
	} else if req.Parameters.Has(oauth2.ParamMaxAge) {
		setAbsent(claims, jwt.ClaimAuthTime, is.now.Unix())
	}

	if cr := f.claimsRequest(is); cr != nil {
		if missing := resolveRequested(claims, cr.IDToken, subject.Claims); len(missing) > 0 {
			is.logger.Debug("essential id_token claims unavailable",
				"client_id", is.client.ID,
				"claims", missing,
			)
		}
	}
	applyScopeClaims(claims, req.Scopes, subject.Claims)
	f.applyMappers(is, claims)

	provider, err := f.signer.SelectFrom(ctx, is.snap, certs.PurposeIDToken, is.client)
	if err != nil {
		return "", oauth2.ServerError(fmt.Errorf("no key to sign id_token: %w", err))
	}
	claims[jwt.ClaimAccessTokenHash] = AccessTokenHash(provider.Algorithm(), accessValue)

	raw, err := jwt.Encode(claims, provider)
	if err != nil {
		return "", oauth2.ServerError(fmt.Errorf("failed to sign id_token: %w", err))
	}
	return raw, nil
}

// registered returns the claims every access and refresh token carries.
func (*Factory) registered(is *issuance, jti string, ttl time.Duration) jwt.JWT {
	claims := jwt.JWT{
		jwt.ClaimIssuer:    is.dom.Issuer,
		jwt.ClaimSubject:   is.req.SubjectID(),
		jwt.ClaimAudience:  is.client.ID,
		jwt.ClaimClientID:  is.client.ID,
		jwt.ClaimDomain:    is.client.Domain,
		jwt.ClaimIssuedAt:  is.now.Unix(),
		jwt.ClaimExpiresAt: is.now.Add(ttl).Unix(),
		jwt.ClaimID:        jti,
	}
	if len(is.req.Scopes) > 0 {
		claims[jwt.ClaimScope] = oauth2.JoinScope(is.req.Scopes)
	}
	return claims
}

func (f *Factory) claimsRequest(is *issuance) *ClaimsRequest {
	raw := is.req.Parameters.Get(oauth2.ParamClaims)
	if raw == "" {
		return nil
	}
	cr, err := ParseClaimsRequest(raw)
	if err != nil {
		is.logger.Debug("ignoring malformed claims parameter",
			"client_id", is.client.ID,
			"error", err,
		)
		return nil
	}
	return cr
}

// applyMappers runs the domain claim mappers in order. A failing mapper is
// skipped.
func (f *Factory) applyMappers(is *issuance, claims jwt.JWT) {
	for _, m := range is.dom.ClaimMappers {
		v, err := m.Evaluate(is.vars)
		if err != nil {
			is.logger.Warn("claim mapper failed",
				"claim", m.Claim(),
				"error", err,
			)
			continue
		}
		claims[m.Claim()] = v
	}
}

func (f *Factory) sign(ctx context.Context, is *issuance, purpose certs.Purpose, claims jwt.JWT) (string, error) {
	provider, err := f.signer.SelectFrom(ctx, is.snap, purpose, is.client)
	if err != nil {
		return "", oauth2.ServerError(fmt.Errorf("no key to sign %s: %w", purpose, err))
	}
	raw, err := jwt.Encode(claims, provider)
	if err != nil {
		return "", oauth2.ServerError(fmt.Errorf("failed to sign %s: %w", purpose, err))
	}
	return raw, nil
}

// mapperVars builds the CEL variables for the domain claim mappers.
func mapperVars(req *oauth2.OAuth2Request, client *oauth2.Client) map[string]any {
	user := map[string]any{}
	if req.Subject != nil {
		maps.Copy(user, req.Subject.Claims)
		user["id"] = req.Subject.ID
		user["username"] = req.Subject.Username
	}

	params := make(map[string]any, len(req.Parameters))
	for k := range req.Parameters {
		params[k] = req.Parameters.Get(k)
	}

	return map[string]any{
		VarUser: user,
		VarClient: map[string]any{
			"id":          client.ID,
			"domain":      client.Domain,
			"scopes":      slices.Clone(client.Scopes),
			"grant_types": slices.Clone(client.AuthorizedGrantTypes),
		},
		VarRequest: map[string]any{
			"grant_type": req.GrantType,
			"scopes":     slices.Clone(req.Scopes),
			"parameters": params,
		},
	}
}

// additional returns the claims outside the registered access token set.
func additional(claims jwt.JWT) map[string]any {
	out := map[string]any{}
	for k, v := range claims {
		if !reserved(k) && k != jwt.ClaimScope {
			out[k] = v
		}
	}
	return out
}

// Userinfo is a userinfo endpoint response. Signed is set when the client
// asked for a signed response; otherwise Claims is rendered as JSON.
type Userinfo struct {
	Claims jwt.JWT
	Signed string
}

// ContentType is the media type of the response.
func (u *Userinfo) ContentType() string {
	if u.Signed != "" {
		return "application/jwt"
	}
	return "application/json"
}

// CreateUserinfo builds the userinfo response for subject. scopes are the
// scopes of the presented access token; claimsParam is the OIDC "claims"
// parameter of the original authorization request, possibly empty.
func (f *Factory) CreateUserinfo(
	ctx context.Context,
	subject *oauth2.Subject,
	client *oauth2.Client,
	scopes []string,
	claimsParam string,
) (*Userinfo, error) {
	if subject == nil {
		return nil, fosite.ErrInvalidRequest.WithHint("Userinfo requires a resource owner.")
	}

	claims := jwt.JWT{jwt.ClaimSubject: subject.ID}
	if cr, err := ParseClaimsRequest(claimsParam); err == nil {
		resolveRequested(claims, cr.Userinfo, subject.Claims)
	}
	applyScopeClaims(claims, scopes, subject.Claims)

	snap, _ := f.deployments.Snapshot(client.Domain)
	provider, err := f.signer.SelectFrom(ctx, snap, certs.PurposeUserinfo, client)
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("no key to sign userinfo: %w", err))
	}
	if provider.IsNone() {
		return &Userinfo{Claims: claims}, nil
	}

	if snap == nil || snap.Settings() == nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to resolve domain %q: %w", client.Domain, oauth2.ErrUnknownDomain))
	}
	signed := claims.Clone()
	signed[jwt.ClaimIssuer] = snap.Settings().Issuer
	signed[jwt.ClaimAudience] = client.ID
	signed[jwt.ClaimIssuedAt] = f.now().Unix()

	raw, err := jwt.Encode(signed, provider)
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to sign userinfo: %w", err))
	}
	return &Userinfo{Claims: claims, Signed: raw}, nil
}

// SignAuthorizationResponse wraps authorization response parameters into a
// signed JWT (JARM). The response lives as long as an authorization code.
func (f *Factory) SignAuthorizationResponse(ctx context.Context, client *oauth2.Client, params url.Values) (string, error) {
	snap, err := f.deployment(client)
	if err != nil {
		return "", err
	}
	dom := snap.Settings()

	now := f.now().Truncate(time.Second)
	claims := jwt.JWT{}
	for k := range params {
		claims[k] = params.Get(k)
	}
	claims[jwt.ClaimIssuer] = dom.Issuer
	claims[jwt.ClaimAudience] = client.ID
	claims[jwt.ClaimExpiresAt] = now.Add(dom.AuthorizationCodeTTL()).Unix()

	provider, err := f.signer.SelectFrom(ctx, snap, certs.PurposeAuthorizationResponse, client)
	if err != nil {
		return "", oauth2.ServerError(fmt.Errorf("no key to sign authorization response: %w", err))
	}
	raw, err := jwt.Encode(claims, provider)
	if err != nil {
		return "", oauth2.ServerError(fmt.Errorf("failed to sign authorization response: %w", err))
	}
	return raw, nil
}
