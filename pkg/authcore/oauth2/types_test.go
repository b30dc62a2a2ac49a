// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth2

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAllowsScopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		allowed   []string
		requested []string
		want      bool
	}{
		{"no restriction", nil, []string{"anything"}, true},
		{"subset", []string{"openid", "profile", "email"}, []string{"openid", "email"}, true},
		{"empty request", []string{"openid"}, nil, true},
		{"outside allowed", []string{"openid"}, []string{"openid", "admin"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Client{ID: "c1", Scopes: tt.allowed}
			assert.Equal(t, tt.want, c.AllowsScopes(tt.requested))
		})
	}
}

func TestTokenRequestScopes(t *testing.T) {
	t.Parallel()

	req := &TokenRequest{Parameters: url.Values{"scope": {"  openid   profile "}}}
	assert.Equal(t, []string{"openid", "profile"}, req.Scopes())
}

func TestOAuth2RequestSubjectID(t *testing.T) {
	t.Parallel()

	clientOnly := &OAuth2Request{ClientID: "c1"}
	assert.Equal(t, "c1", clientOnly.SubjectID())
	assert.True(t, clientOnly.IsClientOnly())

	withUser := &OAuth2Request{ClientID: "c1", Subject: &Subject{ID: "u1"}}
	assert.Equal(t, "u1", withUser.SubjectID())
	assert.False(t, withUser.IsClientOnly())
}

func TestTokenResponse(t *testing.T) {
	t.Parallel()

	tok := &Token{Value: "at", Type: TokenTypeBearer, ExpiresIn: 3600}
	resp := tok.Response()
	assert.Equal(t, map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": int64(3600)}, resp)

	tok.RefreshToken = "rt"
	tok.Scopes = []string{"openid", "email"}
	tok.IDToken = "idt"
	resp = tok.Response()
	assert.Equal(t, "rt", resp["refresh_token"])
	assert.Equal(t, "openid email", resp["scope"])
	assert.Equal(t, "idt", resp["id_token"])
}

func TestErrorResponse(t *testing.T) {
	t.Parallel()

	status, body := ErrorResponse(fmt.Errorf("wrapped: %w", fosite.ErrInvalidGrant.WithHint("code not found")))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
	assert.Contains(t, body["error_description"], "code not found")

	status, body = ErrorResponse(fosite.ErrInvalidClient)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_client", body["error"])

	status, body = ErrorResponse(errors.New("connection refused"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "server_error", body["error"])
	assert.NotContains(t, body["error_description"], "connection refused")
}

func TestServerError(t *testing.T) {
	t.Parallel()

	cause := errors.New("redis down")
	err := ServerError(cause)
	require.ErrorIs(t, err, fosite.ErrServerError)
	assert.ErrorIs(t, err, cause)
}
