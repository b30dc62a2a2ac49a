// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authcore_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authcore/pkg/authcore"
	"github.com/stacklok/authcore/pkg/authcore/config"
	"github.com/stacklok/authcore/pkg/authcore/grant"
	"github.com/stacklok/authcore/pkg/authcore/grant/mocks"
	"github.com/stacklok/authcore/pkg/authcore/introspection"
	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/telemetry"
)

func testConfig() *config.Config {
	return &config.Config{
		Domains: []config.DomainConfig{{
			ID:     "acme",
			Issuer: "https://acme.example",
			Certificates: []config.CertificateConfig{
				{ID: "main", Algorithm: keys.ES256, Generate: true, Default: true},
			},
			ClaimMappers: []config.ClaimMapperConfig{
				{Claim: "tenant", Expression: `client.domain`},
			},
			Clients: []config.ClientConfig{
				{
					ID: "app",
					GrantTypes: []string{
						oauth2.GrantTypePassword,
						oauth2.GrantTypeAuthorizationCode,
						oauth2.GrantTypeRefreshToken,
					},
				},
				{ID: "svc", GrantTypes: []string{oauth2.GrantTypeClientCredentials}},
			},
		}},
		Storage: config.StorageConfig{Type: config.StorageTypeMemory},
	}
}

func newEngine(t *testing.T, opts ...authcore.Option) *authcore.Engine {
	t.Helper()
	e, err := authcore.NewFromConfig(t.Context(), testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func form(kv ...string) *oauth2.TokenRequest {
	params := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		params.Set(kv[i], kv[i+1])
	}
	return &oauth2.TokenRequest{GrantType: params.Get(oauth2.ParamGrantType), Parameters: params}
}

func TestEngine_PasswordIntrospectRevoke(t *testing.T) {
	t.Parallel()

	auth := mocks.NewMockAuthenticator(gomock.NewController(t))
	auth.EXPECT().Authenticate(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&oauth2.Subject{ID: "u1", Username: "alice"}, nil)

	e := newEngine(t, authcore.WithAuthenticator(auth))
	require.NoError(t, e.Ping(t.Context()))
	app, err := e.Client("acme", "app")
	require.NoError(t, err)

	tok, err := e.Grant(t.Context(), form(
		oauth2.ParamGrantType, oauth2.GrantTypePassword,
		oauth2.ParamUsername, "alice",
		oauth2.ParamPassword, "s3cret",
	), app)
	require.NoError(t, err)
	assert.Equal(t, "acme", tok.AdditionalClaims["tenant"])

	res, ok := e.Introspect(t.Context(), introspection.Request{Token: tok.Value, Caller: app})
	require.True(t, ok)
	resp := res.Response()
	assert.Equal(t, "u1", resp["sub"])
	assert.Equal(t, "app", resp["client_id"])
	assert.Equal(t, "acme", resp["tenant"])

	require.NoError(t, e.Revoke(t.Context(), tok.RefreshToken, oauth2.TokenTypeHintRefreshToken, app))

	_, ok = e.Introspect(t.Context(), introspection.Request{Token: tok.Value, Caller: app})
	assert.False(t, ok, "revoking the refresh token revokes its access token")
	_, ok = e.Introspect(t.Context(), introspection.Request{Token: tok.RefreshToken, Caller: app})
	assert.False(t, ok)

	_, err = e.Grant(t.Context(), form(
		oauth2.ParamGrantType, oauth2.GrantTypeRefreshToken,
		oauth2.ParamRefreshToken, tok.RefreshToken,
	), app)
	assert.ErrorIs(t, err, fosite.ErrInvalidGrant)
}

func TestEngine_AuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	app, err := e.Client("acme", "app")
	require.NoError(t, err)

	pushed, err := e.PushedRequests().Push(t.Context(), app, url.Values{
		oauth2.ParamResponseType: {"code"},
		oauth2.ParamRedirectURI:  {"https://app.example/cb"},
		oauth2.ParamScope:        {"openid"},
		oauth2.ParamNonce:        {"n-1"},
	})
	require.NoError(t, err)
	stored, err := e.PushedRequests().Consume(t.Context(), pushed.RequestURI, app.ID)
	require.NoError(t, err)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rec, err := e.Codes().Create(t.Context(), &storage.AuthorizationCode{
		Domain:              "acme",
		ClientID:            app.ID,
		Subject:             "u1",
		Scopes:              oauth2.SplitScope(stored.Parameters.Get(oauth2.ParamScope)),
		RedirectURI:         stored.Parameters.Get(oauth2.ParamRedirectURI),
		Parameters:          stored.Parameters,
		CodeChallenge:       grant.ComputePKCEChallenge(verifier),
		CodeChallengeMethod: grant.PKCEMethodS256,
	})
	require.NoError(t, err)

	tok, err := e.Grant(t.Context(), form(
		oauth2.ParamGrantType, oauth2.GrantTypeAuthorizationCode,
		oauth2.ParamCode, rec.Code,
		oauth2.ParamRedirectURI, "https://app.example/cb",
		oauth2.ParamCodeVerifier, verifier,
	), app)
	require.NoError(t, err)
	require.NotEmpty(t, tok.IDToken)

	id, err := e.Verifier().Verify(t.Context(), tok.IDToken, "")
	require.NoError(t, err)
	assert.Equal(t, "n-1", id.String("nonce"))
	assert.Equal(t, "u1", id.Subject())

	_, err = e.Grant(t.Context(), form(
		oauth2.ParamGrantType, oauth2.GrantTypeAuthorizationCode,
		oauth2.ParamCode, rec.Code,
		oauth2.ParamRedirectURI, "https://app.example/cb",
		oauth2.ParamCodeVerifier, verifier,
	), app)
	assert.ErrorIs(t, err, fosite.ErrInvalidGrant)
}

func TestEngine_PasswordRequiresAuthenticator(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	app, err := e.Client("acme", "app")
	require.NoError(t, err)

	_, err = e.Grant(t.Context(), form(
		oauth2.ParamGrantType, oauth2.GrantTypePassword,
		oauth2.ParamUsername, "alice",
		oauth2.ParamPassword, "s3cret",
	), app)
	assert.ErrorIs(t, err, fosite.ErrUnsupportedGrantType)
}

func TestEngine_ExtensionGrantTelemetry(t *testing.T) {
	t.Parallel()

	const custom = "urn:example:params:oauth:grant-type:custom"
	reader := sdkmetric.NewManualReader()
	h := grant.HandlerFunc(func(_ context.Context, _ *oauth2.TokenRequest, c *oauth2.Client) (*oauth2.Token, error) {
		return &oauth2.Token{Value: "custom-" + c.ID, Type: oauth2.TokenTypeBearer}, nil
	})

	e, err := authcore.New(storage.NewMemoryStorage(),
		authcore.WithExtensionGrant(custom, h),
		authcore.WithTelemetry(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), tracenoop.NewTracerProvider()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.DeployConfig(&testConfig().Domains[0]))

	c := &oauth2.Client{ID: "ext", Domain: "acme", AuthorizedGrantTypes: []string{custom}}
	tok, err := e.Grant(t.Context(), form(oauth2.ParamGrantType, custom), c)
	require.NoError(t, err)
	assert.Equal(t, "custom-ext", tok.Value)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == telemetry.MetricGrants {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), total)
}

func TestEngine_Domains(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	assert.Equal(t, []string{"acme"}, e.Domains())

	set, err := e.JWKS("acme")
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, keys.ES256, set.Keys[0].Algorithm)

	_, err = e.JWKS("other")
	assert.ErrorIs(t, err, oauth2.ErrUnknownDomain)

	_, err = e.Client("acme", "missing")
	assert.ErrorIs(t, err, authcore.ErrUnknownClient)

	svc, err := e.Client("acme", "svc")
	require.NoError(t, err)
	tok, err := e.Grant(t.Context(), form(oauth2.ParamGrantType, oauth2.GrantTypeClientCredentials), svc)
	require.NoError(t, err)

	e.Undeploy("acme")
	assert.Empty(t, e.Domains())
	_, err = e.Client("acme", "svc")
	assert.ErrorIs(t, err, authcore.ErrUnknownClient)
	_, ok := e.Introspect(t.Context(), introspection.Request{Token: tok.Value})
	assert.False(t, ok, "tokens of an undeployed domain no longer verify")
}

func TestEngine_DeployMismatch(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	signer, err := keys.GenerateSigner(keys.ES256)
	require.NoError(t, err)
	p, err := keys.NewSigningProvider("main", signer, keys.ProviderOptions{})
	require.NoError(t, err)
	snap, err := keys.NewSnapshot("beta", "https://beta.example", p)
	require.NoError(t, err)

	err = e.Deploy(&oauth2.Domain{ID: "gamma", Issuer: "https://beta.example"}, snap, nil)
	assert.ErrorIs(t, err, authcore.ErrDomainMismatch)

	err = e.Deploy(&oauth2.Domain{ID: "beta", Issuer: "https://beta.example"}, snap,
		[]*oauth2.Client{{ID: "c", Domain: "acme"}})
	assert.ErrorIs(t, err, authcore.ErrDomainMismatch)

	require.NoError(t, e.Deploy(&oauth2.Domain{ID: "beta", Issuer: "https://beta.example"}, snap,
		[]*oauth2.Client{{ID: "c", Domain: "beta"}}))
	assert.ElementsMatch(t, []string{"acme", "beta"}, e.Domains())
}

func TestEngine_RedeploySwapsSettingsKeysAndClientsTogether(t *testing.T) {
	t.Parallel()

	e, err := authcore.New(storage.NewMemoryStorage())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	type version struct {
		dom  *oauth2.Domain
		snap *keys.Snapshot
		kid  string
	}
	newVersion := func(ttl time.Duration) version {
		signer, err := keys.GenerateSigner(keys.ES256)
		require.NoError(t, err)
		p, err := keys.NewSigningProvider("main", signer, keys.ProviderOptions{Default: true})
		require.NoError(t, err)
		snap, err := keys.NewSnapshot("acme", "https://acme.example", p)
		require.NoError(t, err)
		return version{
			dom:  &oauth2.Domain{ID: "acme", Issuer: "https://acme.example", AccessTokenValidity: ttl},
			snap: snap,
			kid:  p.KeyID(),
		}
	}
	clients := []*oauth2.Client{{
		ID:                   "svc",
		Domain:               "acme",
		AuthorizedGrantTypes: []string{oauth2.GrantTypeClientCredentials},
	}}
	versions := []version{newVersion(time.Minute), newVersion(2 * time.Minute)}
	kidByTTL := map[int64]string{60: versions[0].kid, 120: versions[1].kid}
	require.NoError(t, e.Deploy(versions[0].dom, versions[0].snap, clients))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			v := versions[i%2]
			assert.NoError(t, e.Deploy(v.dom, v.snap, clients))
		}
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				svc, err := e.Client("acme", "svc")
				if !assert.NoError(t, err) {
					return
				}
				tok, err := e.Grant(context.Background(), form(oauth2.ParamGrantType, oauth2.GrantTypeClientCredentials), svc)
				if !assert.NoError(t, err) {
					return
				}
				decoded, err := jwt.Decode(tok.Value)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, kidByTTL[tok.ExpiresIn], decoded.KeyID(), "lifetime and signing key come from one deploy")
			}
		}()
	}
	wg.Wait()

	third := newVersion(time.Hour)
	require.NoError(t, e.Deploy(third.dom, third.snap, nil))
	_, err = e.Client("acme", "svc")
	assert.ErrorIs(t, err, authcore.ErrUnknownClient, "clients are replaced with the keys")
}
