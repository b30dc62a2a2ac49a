// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileMapper_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		claim      string
		expression string
	}{
		{name: "empty claim", claim: "", expression: `"x"`},
		{name: "reserved claim", claim: "sub", expression: `"x"`},
		{name: "syntax error", claim: "groups", expression: `user.`},
		{name: "undeclared variable", claim: "groups", expression: `session.id`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := CompileMapper(tt.claim, tt.expression)
			assert.ErrorIs(t, err, ErrInvalidMapper)
		})
	}
}

func TestCELMapper_Evaluate(t *testing.T) {
	t.Parallel()

	vars := map[string]any{
		VarUser: map[string]any{
			"id":       "u1",
			"username": "alice",
			"age":      42,
		},
		VarClient: map[string]any{
			"id":     "c1",
			"scopes": []string{"openid", "email"},
		},
		VarRequest: map[string]any{
			"grant_type": "password",
		},
	}

	tests := []struct {
		name       string
		expression string
		want       any
		wantErr    bool
	}{
		{name: "string", expression: `user.username + "@" + client.id`, want: "alice@c1"},
		{name: "integer", expression: `user.age`, want: int64(42)},
		{name: "boolean", expression: `"email" in client.scopes`, want: true},
		{name: "list", expression: `[user.id, request.grant_type]`, want: []any{"u1", "password"}},
		{name: "map", expression: `{"name": user.username}`, want: map[string]any{"name": "alice"}},
		{name: "null", expression: `null`, want: nil},
		{name: "missing key", expression: `user.missing`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := CompileMapper("x", tt.expression)
			require.NoError(t, err)
			assert.Equal(t, "x", m.Claim())
			assert.Equal(t, tt.expression, m.Expression())

			got, err := m.Evaluate(vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
