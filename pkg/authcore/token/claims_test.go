// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/x509"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

func TestMergeAbsent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dst  url.Values
		src  url.Values
		want url.Values
	}{
		{
			name: "adds missing parameters",
			dst:  url.Values{"grant_type": {"authorization_code"}},
			src:  url.Values{"nonce": {"n"}},
			want: url.Values{"grant_type": {"authorization_code"}, "nonce": {"n"}},
		},
		{
			name: "explicit parameters win",
			dst:  url.Values{"scope": {"openid"}},
			src:  url.Values{"scope": {"openid profile"}, "claims": {"{}"}},
			want: url.Values{"scope": {"openid"}, "claims": {"{}"}},
		},
		{
			name: "nil destination",
			src:  url.Values{"state": {"s"}},
			want: url.Values{"state": {"s"}},
		},
		{
			name: "nil source",
			dst:  url.Values{"state": {"s"}},
			want: url.Values{"state": {"s"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MergeAbsent(tt.dst, tt.src))
		})
	}
}

func TestMergeAbsent_CopiesValues(t *testing.T) {
	t.Parallel()
	src := url.Values{"nonce": {"n"}}
	got := MergeAbsent(nil, src)
	got["nonce"][0] = "changed"
	assert.Equal(t, "n", src.Get("nonce"))
}

func TestParseClaimsRequest(t *testing.T) {
	t.Parallel()

	req, err := ParseClaimsRequest(`{"userinfo":{"email":{"essential":true}},"id_token":{"auth_time":null,"acr":{"values":["a","b"]}}}`)
	require.NoError(t, err)
	require.Contains(t, req.Userinfo, "email")
	assert.True(t, req.Userinfo["email"].Essential)
	assert.Contains(t, req.IDToken, "auth_time")
	assert.Nil(t, req.IDToken["auth_time"])
	assert.Equal(t, []any{"a", "b"}, req.IDToken["acr"].Values)

	empty, err := ParseClaimsRequest("")
	require.NoError(t, err)
	assert.Empty(t, empty.IDToken)

	_, err = ParseClaimsRequest("{not json")
	assert.Error(t, err)
}

func TestAccessTokenHash(t *testing.T) {
	t.Parallel()

	// OIDC Core A.3 example access token and at_hash for RS256.
	const access = "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"
	assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ", AccessTokenHash(keys.RS256, access))

	assert.Len(t, AccessTokenHash(keys.ES384, access), 32)
	assert.Len(t, AccessTokenHash(keys.EdDSA, access), 43)
	assert.Equal(t, AccessTokenHash(keys.HS512, access), AccessTokenHash(keys.EdDSA, access))
}

func TestCertificateThumbprintConfirmation(t *testing.T) {
	t.Parallel()
	cnf := CertificateThumbprintConfirmation(&x509.Certificate{Raw: []byte("certificate")})
	// base64url(sha256("certificate"))
	assert.Len(t, cnf[ConfirmationX5tS256], 43)
	assert.Equal(t, cnf, CertificateThumbprintConfirmation(&x509.Certificate{Raw: []byte("certificate")}))
}
