// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authcore/certs"
	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/storage/mocks"
)

const issuer = "https://acme.example"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	factory  *Factory
	store    *storage.MemoryStorage
	resolver *certs.Resolver
}

func newFixture(t *testing.T, dom *oauth2.Domain, providers ...*keys.Provider) *fixture {
	t.Helper()

	reg := keys.NewRegistry()
	snap, err := keys.NewSnapshot(dom.ID, dom.Issuer, providers...)
	require.NoError(t, err)
	bound, err := snap.Bind(dom, nil)
	require.NoError(t, err)
	reg.Deploy(bound)

	now := func() time.Time { return testNow }
	store := storage.NewMemoryStorage(storage.WithClock(now))
	t.Cleanup(func() { _ = store.Close() })

	return &fixture{
		factory:  NewFactory(reg, certs.NewSelector(reg), store, WithClock(now)),
		store:    store,
		resolver: certs.NewResolver(reg),
	}
}

func signingProvider(t *testing.T, certID, alg string) *keys.Provider {
	t.Helper()
	signer, err := keys.GenerateSigner(alg)
	require.NoError(t, err)
	p, err := keys.NewSigningProvider(certID, signer, keys.ProviderOptions{Algorithm: alg, Default: true})
	require.NoError(t, err)
	return p
}

func acme() *oauth2.Domain {
	return &oauth2.Domain{ID: "acme", Issuer: issuer}
}

func userClient() *oauth2.Client {
	return &oauth2.Client{
		ID:     "c1",
		Domain: "acme",
		AuthorizedGrantTypes: []string{
			oauth2.GrantTypePassword,
			oauth2.GrantTypeRefreshToken,
			oauth2.GrantTypeClientCredentials,
		},
	}
}

func userRequest(scopes ...string) *oauth2.OAuth2Request {
	return &oauth2.OAuth2Request{
		ID:        "req-1",
		Domain:    "acme",
		ClientID:  "c1",
		GrantType: oauth2.GrantTypePassword,
		Subject: &oauth2.Subject{
			ID:       "u1",
			Username: "alice",
			Claims: map[string]any{
				"name":  "Alice",
				"email": "alice@acme.example",
				"sub":   "spoofed",
			},
		},
		Scopes:     scopes,
		Parameters: url.Values{},
	}
}

func TestCreate_UserGrant(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))

	req := userRequest(oauth2.ScopeOpenID, ScopeProfile)
	req.Parameters.Set(oauth2.ParamNonce, "n-1")

	tok, err := fx.factory.Create(t.Context(), req, userClient(), RefreshAllowed)
	require.NoError(t, err)

	assert.Equal(t, oauth2.TokenTypeBearer, tok.Type)
	assert.Equal(t, int64(7200), tok.ExpiresIn)
	assert.Equal(t, "u1", tok.Subject)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.NotEmpty(t, tok.IDToken)

	access, err := fx.resolver.Verify(t.Context(), tok.Value, "")
	require.NoError(t, err)
	assert.Equal(t, issuer, access.Issuer())
	assert.Equal(t, "u1", access.Subject())
	assert.Equal(t, "c1", access.ClientID())
	assert.Equal(t, []string{"c1"}, access.Audience())
	assert.Equal(t, []string{oauth2.ScopeOpenID, ScopeProfile}, access.Scopes())
	iat, _ := access.Int64(jwt.ClaimIssuedAt)
	exp, _ := access.Int64(jwt.ClaimExpiresAt)
	assert.Equal(t, testNow.Unix(), iat)
	assert.Equal(t, int64(7200), exp-iat)
	assert.NotContains(t, access, "expires_in")

	rec, err := fx.store.GetAccessToken(t.Context(), access.ID())
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.Subject)

	refresh, err := fx.resolver.Verify(t.Context(), tok.RefreshToken, "")
	require.NoError(t, err)
	assert.NotEqual(t, access.ID(), refresh.ID())
	assert.Equal(t, refresh.ID(), rec.RefreshTokenID)
	assert.True(t, IsRefreshToken(refresh))
	assert.False(t, IsRefreshToken(access))
	_, err = fx.store.GetRefreshToken(t.Context(), refresh.ID())
	require.NoError(t, err)

	id, err := fx.resolver.Verify(t.Context(), tok.IDToken, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.Subject())
	assert.Equal(t, "n-1", id.String(jwt.ClaimNonce))
	assert.Equal(t, "Alice", id.String("name"))
	assert.NotContains(t, id, "email")
	assert.Equal(t, AccessTokenHash(keys.ES256, tok.Value), id.String(jwt.ClaimAccessTokenHash))
}

func TestCreate_ClientCredentials(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, acme(), signingProvider(t, "main", keys.RS256))

	req := &oauth2.OAuth2Request{
		Domain:    "acme",
		ClientID:  "c1",
		GrantType: oauth2.GrantTypeClientCredentials,
		Scopes:    []string{oauth2.ScopeOpenID},
	}
	tok, err := fx.factory.Create(t.Context(), req, userClient(), RefreshAllowed)
	require.NoError(t, err)

	assert.Empty(t, tok.RefreshToken)
	assert.Empty(t, tok.IDToken)

	claims, err := fx.resolver.Verify(t.Context(), tok.Value, "")
	require.NoError(t, err)
	assert.Equal(t, "c1", claims.Subject())
}

func TestCreate_RefreshPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      RefreshPolicy
		grantTypes  []string
		wantRefresh bool
	}{
		{name: "allowed", policy: RefreshAllowed, grantTypes: []string{oauth2.GrantTypePassword, oauth2.GrantTypeRefreshToken}, wantRefresh: true},
		{name: "denied by policy", policy: RefreshDenied, grantTypes: []string{oauth2.GrantTypePassword, oauth2.GrantTypeRefreshToken}},
		{name: "client lacks refresh grant", policy: RefreshAllowed, grantTypes: []string{oauth2.GrantTypePassword}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))
			client := &oauth2.Client{ID: "c1", Domain: "acme", AuthorizedGrantTypes: tt.grantTypes}

			tok, err := fx.factory.Create(t.Context(), userRequest(), client, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRefresh, tok.RefreshToken != "")
		})
	}
}

func TestCreate_ReusesRefreshTokenWithoutRotation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))

	req := userRequest()
	req.GrantType = oauth2.GrantTypeRefreshToken
	req.RefreshTokenID = "rt-1"
	req.RefreshToken = "presented-refresh-token"

	tok, err := fx.factory.Create(t.Context(), req, userClient(), RefreshAllowed)
	require.NoError(t, err)
	assert.Equal(t, "presented-refresh-token", tok.RefreshToken)

	claims, err := fx.resolver.Verify(t.Context(), tok.Value, "")
	require.NoError(t, err)
	rec, err := fx.store.GetAccessToken(t.Context(), claims.ID())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", rec.RefreshTokenID)
}

func TestCreate_Confirmation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))

	req := userRequest()
	req.Confirmation = map[string]any{"jkt": "thumb"}

	tok, err := fx.factory.Create(t.Context(), req, userClient(), RefreshDenied)
	require.NoError(t, err)

	claims, err := fx.resolver.Verify(t.Context(), tok.Value, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"jkt": "thumb"}, claims[jwt.ClaimConfirmation])
}

func TestCreate_ClaimOrdering(t *testing.T) {
	t.Parallel()

	nonceMapper, err := CompileMapper(jwt.ClaimNonce, `"mapped-" + request.parameters.nonce`)
	require.NoError(t, err)
	groupMapper, err := CompileMapper("groups", `["staff", user.username]`)
	require.NoError(t, err)

	dom := acme()
	dom.ClaimMappers = []oauth2.ClaimMapper{nonceMapper, groupMapper}
	fx := newFixture(t, dom, signingProvider(t, "main", keys.ES256))

	req := userRequest(oauth2.ScopeOpenID)
	req.Parameters.Set(oauth2.ParamNonce, "n-1")
	req.Parameters.Set(oauth2.ParamClaims, `{"id_token":{"sub":null,"email":{"essential":true},"phone_number":{"essential":true}}}`)

	tok, err := fx.factory.Create(t.Context(), req, userClient(), RefreshDenied)
	require.NoError(t, err)

	id, err := fx.resolver.Verify(t.Context(), tok.IDToken, "")
	require.NoError(t, err)

	// request-derived claims never replace registered ones
	assert.Equal(t, "u1", id.Subject())
	assert.Equal(t, "alice@acme.example", id.String("email"))
	assert.NotContains(t, id, "phone_number")
	// mappers run last and win
	assert.Equal(t, "mapped-n-1", id.String(jwt.ClaimNonce))
	assert.Equal(t, []any{"staff", "alice"}, id["groups"])

	access, err := fx.resolver.Verify(t.Context(), tok.Value, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"staff", "alice"}, access["groups"])
	assert.Equal(t, []any{"staff", "alice"}, tok.AdditionalClaims["groups"])
}

func TestCreate_ClientTTL(t *testing.T) {
	t.Parallel()
	dom := acme()
	dom.AccessTokenValidity = time.Hour
	fx := newFixture(t, dom, signingProvider(t, "main", keys.ES256))

	client := userClient()
	tok, err := fx.factory.Create(t.Context(), userRequest(), client, RefreshDenied)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), tok.ExpiresIn)

	client.AccessTokenValidity = 5 * time.Minute
	tok, err = fx.factory.Create(t.Context(), userRequest(), client, RefreshDenied)
	require.NoError(t, err)
	assert.Equal(t, int64(300), tok.ExpiresIn)
	assert.Equal(t, testNow.Add(5*time.Minute), tok.ExpiresAt)
}

func TestCreate_Failures(t *testing.T) {
	t.Parallel()

	t.Run("no signing key", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, acme())
		_, err := fx.factory.Create(t.Context(), userRequest(), userClient(), RefreshAllowed)
		assert.ErrorIs(t, err, fosite.ErrServerError)
	})

	t.Run("unknown domain", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))
		client := userClient()
		client.Domain = "other"
		_, err := fx.factory.Create(t.Context(), userRequest(), client, RefreshAllowed)
		assert.ErrorIs(t, err, fosite.ErrServerError)
	})

	t.Run("storage failure", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := mocks.NewMockStorage(ctrl)
		store.EXPECT().CreateRefreshToken(gomock.Any(), gomock.Any()).Return(nil)
		store.EXPECT().CreateAccessToken(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

		reg := keys.NewRegistry()
		snap, err := keys.NewSnapshot("acme", issuer, signingProvider(t, "main", keys.ES256))
		require.NoError(t, err)
		bound, err := snap.Bind(acme(), nil)
		require.NoError(t, err)
		reg.Deploy(bound)

		f := NewFactory(reg, certs.NewSelector(reg), store)
		_, err = f.Create(t.Context(), userRequest(), userClient(), RefreshAllowed)
		assert.ErrorIs(t, err, fosite.ErrServerError)
	})
}

func TestCreateUserinfo(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))
	subject := userRequest().Subject

	t.Run("plain claims by default", func(t *testing.T) {
		t.Parallel()
		info, err := fx.factory.CreateUserinfo(t.Context(), subject, userClient(), []string{ScopeEmail}, "")
		require.NoError(t, err)
		assert.Empty(t, info.Signed)
		assert.Equal(t, "application/json", info.ContentType())
		assert.Equal(t, jwt.JWT{"sub": "u1", "email": "alice@acme.example"}, info.Claims)
	})

	t.Run("claims parameter", func(t *testing.T) {
		t.Parallel()
		info, err := fx.factory.CreateUserinfo(t.Context(), subject, userClient(), nil, `{"userinfo":{"name":null}}`)
		require.NoError(t, err)
		assert.Equal(t, jwt.JWT{"sub": "u1", "name": "Alice"}, info.Claims)
	})

	t.Run("signed on client preference", func(t *testing.T) {
		t.Parallel()
		client := userClient()
		client.UserinfoSignedResponseAlg = keys.ES256

		info, err := fx.factory.CreateUserinfo(t.Context(), subject, client, []string{ScopeProfile}, "")
		require.NoError(t, err)
		require.NotEmpty(t, info.Signed)
		assert.Equal(t, "application/jwt", info.ContentType())

		claims, err := fx.resolver.Verify(t.Context(), info.Signed, "acme")
		require.NoError(t, err)
		assert.Equal(t, "Alice", claims.String("name"))
		assert.Equal(t, issuer, claims.Issuer())
	})

	t.Run("no subject", func(t *testing.T) {
		t.Parallel()
		_, err := fx.factory.CreateUserinfo(t.Context(), nil, userClient(), nil, "")
		assert.ErrorIs(t, err, fosite.ErrInvalidRequest)
	})
}

func TestSignAuthorizationResponse(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, acme(), signingProvider(t, "main", keys.ES256))

	raw, err := fx.factory.SignAuthorizationResponse(t.Context(), userClient(), url.Values{
		"code":  {"abc123"},
		"state": {"xyz"},
	})
	require.NoError(t, err)

	claims, err := fx.resolver.Verify(t.Context(), raw, "acme")
	require.NoError(t, err)
	assert.Equal(t, "abc123", claims.String("code"))
	assert.Equal(t, "xyz", claims.String("state"))
	assert.Equal(t, []string{"c1"}, claims.Audience())
	assert.False(t, claims.Expired(testNow))
}
