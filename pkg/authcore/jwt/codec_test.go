// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

func newProvider(t *testing.T, certID, alg string) *keys.Provider {
	t.Helper()
	return newProviderWithKeyID(t, certID, alg, "")
}

// newProviderWithKeyID generates fresh key material; an empty kid is derived.
func newProviderWithKeyID(t *testing.T, certID, alg, kid string) *keys.Provider {
	t.Helper()
	opts := keys.ProviderOptions{Algorithm: alg, KeyID: kid}
	if keys.IsSymmetric(alg) {
		secret, err := keys.GenerateSecret(alg)
		require.NoError(t, err)
		p, err := keys.NewHMACProvider(certID, secret, opts)
		require.NoError(t, err)
		return p
	}
	signer, err := keys.GenerateSigner(alg)
	require.NoError(t, err)
	p, err := keys.NewSigningProvider(certID, signer, opts)
	require.NoError(t, err)
	return p
}

func sampleClaims() JWT {
	return JWT{
		ClaimIssuer:    "https://acme.example/oidc",
		ClaimSubject:   "u1",
		ClaimClientID:  "c1",
		ClaimIssuedAt:  int64(1700000000),
		ClaimExpiresAt: int64(1700003600),
		ClaimScope:     "openid profile",
		ClaimConfirmation: map[string]any{
			"x5t#S256": "bwcK0esc3ACC3DB2Y5_lESsXE8o9ltc05O89jdN-dg2",
		},
	}
}

func TestRoundTripEveryAlgorithm(t *testing.T) {
	t.Parallel()

	for _, alg := range keys.SupportedAlgorithms() {
		t.Run(alg, func(t *testing.T) {
			t.Parallel()

			provider := newProvider(t, "cert-"+alg, alg)
			raw, err := Encode(sampleClaims(), provider)
			require.NoError(t, err)
			assert.Len(t, strings.Split(raw, "."), 3)

			got, err := DecodeAndVerify(raw, provider)
			require.NoError(t, err)
			assert.Equal(t, sampleClaims(), got)

			other := newProvider(t, "other-"+alg, alg)
			_, err = DecodeAndVerify(raw, other)
			require.ErrorIs(t, err, ErrInvalidToken)

			// Same kid, different key: only the signature check can reject it.
			impostor := newProviderWithKeyID(t, "impostor-"+alg, alg, provider.KeyID())
			require.Equal(t, provider.KeyID(), impostor.KeyID())
			_, err = DecodeAndVerify(raw, impostor)
			require.ErrorIs(t, err, ErrInvalidToken)
			assert.ErrorIs(t, err, gojwt.ErrTokenSignatureInvalid)
		})
	}
}

func TestDecodeAndVerifyRejects(t *testing.T) {
	t.Parallel()

	provider := newProvider(t, "primary", keys.ES256)

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeAndVerify("not.a.jwt", provider)
		require.ErrorIs(t, err, ErrInvalidToken)
		_, err = DecodeAndVerify("garbage", provider)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing kid", func(t *testing.T) {
		t.Parallel()
		raw, err := gojwt.NewWithClaims(gojwt.SigningMethodES256, gojwt.MapClaims{"sub": "u1"}).
			SignedString(provider.SigningKey())
		require.NoError(t, err)
		_, err = DecodeAndVerify(raw, provider)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("mismatched kid", func(t *testing.T) {
		t.Parallel()
		tok := gojwt.NewWithClaims(gojwt.SigningMethodES256, gojwt.MapClaims{"sub": "u1"})
		tok.Header["kid"] = "someone-else"
		raw, err := tok.SignedString(provider.SigningKey())
		require.NoError(t, err)
		_, err = DecodeAndVerify(raw, provider)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("algorithm other than provider's", func(t *testing.T) {
		t.Parallel()
		secret := make([]byte, 64)
		hs256, err := keys.NewHMACProvider("h", secret, keys.ProviderOptions{Algorithm: keys.HS256, KeyID: "k"})
		require.NoError(t, err)
		tok := gojwt.NewWithClaims(gojwt.SigningMethodHS512, gojwt.MapClaims{"sub": "u1"})
		tok.Header["kid"] = "k"
		raw, err := tok.SignedString(secret)
		require.NoError(t, err)
		_, err = DecodeAndVerify(raw, hs256)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned token", func(t *testing.T) {
		t.Parallel()
		raw, err := Encode(JWT{"sub": "u1"}, keys.NoneProvider())
		require.NoError(t, err)
		_, err = DecodeAndVerify(raw, provider)
		require.ErrorIs(t, err, ErrInvalidToken)
		_, err = DecodeAndVerify(raw, keys.NoneProvider())
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestDecode(t *testing.T) {
	t.Parallel()

	provider := newProvider(t, "primary", keys.RS256)
	raw, err := Encode(sampleClaims(), provider)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, provider.KeyID(), decoded.KeyID())
	assert.Equal(t, keys.RS256, decoded.Algorithm())
	assert.Equal(t, "u1", decoded.Claims.Subject())

	_, err = Decode("a.b")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestEncodeVerifyOnlyProvider(t *testing.T) {
	t.Parallel()

	signer, err := keys.GenerateSigner(keys.ES256)
	require.NoError(t, err)
	verifier, err := keys.NewVerifyingProvider("old", signer.Public(), keys.ProviderOptions{Algorithm: keys.ES256})
	require.NoError(t, err)

	_, err = Encode(sampleClaims(), verifier)
	require.Error(t, err)
}

func TestClaimHelpers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000100, 0)
	claims := JWT{
		ClaimExpiresAt: int64(1700000100),
		ClaimNotBefore: int64(1700000200),
		ClaimAudience:  []any{"c1", "api"},
		ClaimScope:     "openid  email",
	}

	assert.True(t, claims.Expired(now), "exp equal to now is expired")
	assert.False(t, claims.Expired(now.Add(-time.Second)))
	assert.True(t, claims.NotYetValid(now))
	assert.Equal(t, []string{"c1", "api"}, claims.Audience())
	assert.Equal(t, []string{"openid", "email"}, claims.Scopes())

	assert.False(t, JWT{}.Expired(now))
	assert.Equal(t, []string{"solo"}, JWT{ClaimAudience: "solo"}.Audience())
}
