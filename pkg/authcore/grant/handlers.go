// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/token"
	"github.com/stacklok/authcore/pkg/logger"
)

// secretParams never travel past the handler that reads them.
var secretParams = []string{oauth2.ParamPassword, oauth2.ParamCodeVerifier, oauth2.ParamRefreshToken, oauth2.ParamCode}

// requestParams copies the request parameters without secrets.
func requestParams(req *oauth2.TokenRequest) url.Values {
	out := make(url.Values, len(req.Parameters))
	for k, v := range req.Parameters {
		if slices.Contains(secretParams, k) {
			continue
		}
		out[k] = slices.Clone(v)
	}
	return out
}

// requestedScopes returns the scope parameter, or the client defaults when
// absent, checked against the client's allowed scopes.
func requestedScopes(req *oauth2.TokenRequest, client *oauth2.Client) ([]string, error) {
	scopes := req.Scopes()
	if len(scopes) == 0 {
		scopes = slices.Clone(client.DefaultScopes)
	}
	if !client.AllowsScopes(scopes) {
		return nil, fosite.ErrInvalidScope.WithHint("The client is not allowed to request one or more of the requested scopes.")
	}
	return scopes, nil
}

// narrowScopes returns requested when it is a subset of granted, and
// granted when nothing was requested.
func narrowScopes(requested, granted []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(granted), nil
	}
	if !fosite.Arguments(granted).Has(requested...) {
		return nil, fosite.ErrInvalidScope.WithHint("The requested scope exceeds the scope originally granted.")
	}
	return requested, nil
}

func resolveSubject(ctx context.Context, src SubjectSource, domain, id string) (*oauth2.Subject, error) {
	if src == nil {
		return &oauth2.Subject{ID: id}, nil
	}
	subject, err := src.Subject(ctx, domain, id)
	if errors.Is(err, ErrUnknownSubject) || (err == nil && subject == nil) {
		return nil, fosite.ErrInvalidGrant.WithHint("The resource owner no longer exists.")
	}
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to load subject: %w", err))
	}
	if subject.ID == "" {
		return nil, oauth2.ServerError(fmt.Errorf("subject source returned an empty id for %s", id))
	}
	return subject, nil
}

func newRequest(req *oauth2.TokenRequest, client *oauth2.Client, grantType string, now time.Time) *oauth2.OAuth2Request {
	return &oauth2.OAuth2Request{
		ID:           uuid.NewString(),
		Domain:       client.Domain,
		ClientID:     client.ID,
		GrantType:    grantType,
		Parameters:   requestParams(req),
		Confirmation: req.Confirmation,
		RequestedAt:  now,
	}
}

// PasswordHandler implements the resource owner password credentials grant.
type PasswordHandler struct {
	auth   Authenticator
	issuer Issuer
	now    func() time.Time
	logger *slog.Logger
}

// NewPasswordHandler returns a password grant handler.
func NewPasswordHandler(auth Authenticator, issuer Issuer) *PasswordHandler {
	return &PasswordHandler{auth: auth, issuer: issuer, now: time.Now, logger: logger.Get()}
}

// Grant implements Handler.
func (h *PasswordHandler) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error) {
	username, password := req.Param(oauth2.ParamUsername), req.Param(oauth2.ParamPassword)
	if username == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'username' parameter is missing.")
	}
	if password == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'password' parameter is missing.")
	}
	scopes, err := requestedScopes(req, client)
	if err != nil {
		return nil, err
	}

	subject, err := h.auth.Authenticate(ctx, client, Credentials{
		Username:   username,
		Password:   password,
		Parameters: requestParams(req),
	})
	if err != nil || subject == nil || subject.ID == "" {
		h.logger.Debug("resource owner authentication failed",
			"domain", client.Domain,
			"client_id", client.ID,
			"error", err,
		)
		return nil, fosite.ErrInvalidGrant.WithHint("The resource owner credentials are invalid.")
	}

	oreq := newRequest(req, client, oauth2.GrantTypePassword, h.now())
	oreq.Subject = subject
	oreq.Scopes = scopes
	return h.issuer.Create(ctx, oreq, client, token.RefreshAllowed)
}

// AuthorizationCodeHandler implements the authorization code grant.
type AuthorizationCodeHandler struct {
	codes    CodeConsumer
	subjects SubjectSource
	issuer   Issuer
	now      func() time.Time
}

// NewAuthorizationCodeHandler returns an authorization_code grant handler.
// subjects may be nil, in which case the subject carries only its id.
func NewAuthorizationCodeHandler(codes CodeConsumer, subjects SubjectSource, issuer Issuer) *AuthorizationCodeHandler {
	return &AuthorizationCodeHandler{codes: codes, subjects: subjects, issuer: issuer, now: time.Now}
}

// Grant implements Handler.
func (h *AuthorizationCodeHandler) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error) {
	value := req.Param(oauth2.ParamCode)
	if value == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'code' parameter is missing.")
	}

	rec, err := h.codes.Consume(ctx, value, client.ID)
	if err != nil {
		return nil, err
	}

	if rec.RedirectURI != "" && req.Param(oauth2.ParamRedirectURI) != rec.RedirectURI {
		return nil, fosite.ErrInvalidGrant.WithHint("The 'redirect_uri' does not match the one used in the authorization request.")
	}
	if err := VerifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, req.Param(oauth2.ParamCodeVerifier)); err != nil {
		return nil, err
	}
	scopes, err := narrowScopes(req.Scopes(), rec.Scopes)
	if err != nil {
		return nil, err
	}
	if !client.AllowsScopes(scopes) {
		return nil, fosite.ErrInvalidScope.WithHint("The client is not allowed to request one or more of the requested scopes.")
	}

	subject, err := resolveSubject(ctx, h.subjects, rec.Domain, rec.Subject)
	if err != nil {
		return nil, err
	}

	oreq := newRequest(req, client, oauth2.GrantTypeAuthorizationCode, h.now())
	oreq.Parameters = token.MergeAbsent(oreq.Parameters, rec.Parameters)
	oreq.Subject = subject
	oreq.Scopes = scopes
	oreq.AuthorizationCode = rec.Code
	return h.issuer.Create(ctx, oreq, client, token.RefreshAllowed)
}

// RefreshTokenHandler implements the refresh token grant.
type RefreshTokenHandler struct {
	verifier TokenVerifier
	store    storage.RefreshTokenRepository
	subjects SubjectSource
	issuer   Issuer
	now      func() time.Time
	logger   *slog.Logger
}

// NewRefreshTokenHandler returns a refresh_token grant handler. subjects
// may be nil.
func NewRefreshTokenHandler(
	verifier TokenVerifier,
	store storage.RefreshTokenRepository,
	subjects SubjectSource,
	issuer Issuer,
) *RefreshTokenHandler {
	return &RefreshTokenHandler{
		verifier: verifier,
		store:    store,
		subjects: subjects,
		issuer:   issuer,
		now:      time.Now,
		logger:   logger.Get(),
	}
}

var errInvalidRefreshToken = fosite.ErrInvalidGrant.WithHint("The refresh token is invalid, expired or revoked.")

// Grant implements Handler.
func (h *RefreshTokenHandler) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error) {
	raw := req.Param(oauth2.ParamRefreshToken)
	if raw == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'refresh_token' parameter is missing.")
	}

	claims, err := h.verifier.Verify(ctx, raw, client.Domain)
	if err != nil {
		h.logger.Debug("refresh token verification failed", "client_id", client.ID, "error", err)
		return nil, errInvalidRefreshToken
	}
	now := h.now()
	jti := claims.ID()
	if jti == "" || !token.IsRefreshToken(claims) || claims.Expired(now) || claims.ClientID() != client.ID {
		return nil, errInvalidRefreshToken
	}

	rec, err := h.store.GetRefreshToken(ctx, jti)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errInvalidRefreshToken
	}
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to load refresh token: %w", err))
	}
	if rec.ClientID != client.ID || rec.Domain != client.Domain {
		return nil, errInvalidRefreshToken
	}

	scopes, err := narrowScopes(req.Scopes(), rec.Scopes)
	if err != nil {
		return nil, err
	}

	subject, err := resolveSubject(ctx, h.subjects, rec.Domain, rec.Subject)
	if err != nil {
		return nil, err
	}

	oreq := newRequest(req, client, oauth2.GrantTypeRefreshToken, now)
	oreq.Subject = subject
	oreq.Scopes = scopes
	oreq.AuthorizationCode = rec.AuthorizationCode
	oreq.RefreshTokenID = rec.ID

	if client.DisableRefreshTokenRotation {
		oreq.RefreshToken = raw
		return h.issuer.Create(ctx, oreq, client, token.RefreshAllowed)
	}

	// Of concurrent refreshes with the same token only one rotates it.
	wctx := context.WithoutCancel(ctx)
	consumed, err := h.store.ConsumeRefreshToken(wctx, rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errInvalidRefreshToken
	}
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to rotate refresh token: %w", err))
	}

	tok, err := h.issuer.Create(ctx, oreq, client, token.RefreshAllowed)
	if err != nil {
		// A failed issuance leaves the presented refresh token usable.
		if rerr := h.store.CreateRefreshToken(wctx, consumed); rerr != nil {
			h.logger.Warn("failed to restore refresh token after failed issuance",
				"domain", consumed.Domain,
				"client_id", consumed.ClientID,
				"error", rerr,
			)
		}
		return nil, err
	}
	return tok, nil
}

// ClientCredentialsHandler implements the client credentials grant.
type ClientCredentialsHandler struct {
	issuer Issuer
	now    func() time.Time
}

// NewClientCredentialsHandler returns a client_credentials grant handler.
func NewClientCredentialsHandler(issuer Issuer) *ClientCredentialsHandler {
	return &ClientCredentialsHandler{issuer: issuer, now: time.Now}
}

// Grant implements Handler. The client is the subject and no refresh
// token is issued.
func (h *ClientCredentialsHandler) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error) {
	scopes, err := requestedScopes(req, client)
	if err != nil {
		return nil, err
	}
	oreq := newRequest(req, client, oauth2.GrantTypeClientCredentials, h.now())
	oreq.Scopes = scopes
	return h.issuer.Create(ctx, oreq, client, token.RefreshDenied)
}
