// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

// The commands bind flags on the global viper instance, so these tests do
// not run in parallel.

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, keyFile string) string {
	t.Helper()
	path := filepath.Join(dir, "authcore.yaml")
	body := fmt.Sprintf(`
domains:
  - id: acme
    issuer: https://acme.example
    certificates:
      - id: main
        key_file: %s
        default: true
    clients:
      - id: svc
        grant_types: [client_credentials]
        scopes: [read, write]
storage:
  type: memory
`, keyFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestTokenLifecycle(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "signing.pem")

	_, err := run(t, "keygen", "--alg", keys.ES384, "--out", keyFile)
	require.NoError(t, err)
	signer, err := keys.LoadSigningKey(keyFile)
	require.NoError(t, err)
	alg, err := keys.DeriveAlgorithm(signer)
	require.NoError(t, err)
	assert.Equal(t, keys.ES384, alg)

	cfg := writeConfig(t, dir, keyFile)

	out, err := run(t, "validate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid: 1 domain(s)")
	assert.Contains(t, out, "main")
	assert.Contains(t, out, keys.ES384)

	out, err = run(t, "jwks", "--config", cfg, "--domain", "acme")
	require.NoError(t, err)
	set := decode(t, out)
	require.Len(t, set["keys"], 1)

	out, err = run(t, "token", "--config", cfg, "--domain", "acme", "--client", "svc", "--scope", "read")
	require.NoError(t, err)
	tok := decode(t, out)
	access, ok := tok["access_token"].(string)
	require.True(t, ok)
	assert.Equal(t, "read", tok["scope"])

	out, err = run(t, "inspect", access)
	require.NoError(t, err)
	inspected := decode(t, out)
	header := inspected["header"].(map[string]any)
	assert.Equal(t, keys.ES384, header["alg"])
	claims := inspected["claims"].(map[string]any)
	assert.Equal(t, "svc", claims["client_id"])

	// A fresh process loads the same key file, so the token still verifies.
	out, err = run(t, "verify", "--config", cfg, access)
	require.NoError(t, err)
	verified := decode(t, out)
	assert.Equal(t, true, verified["active"])
	assert.Equal(t, "svc", verified["client_id"])

	out, err = run(t, "verify", "--config", cfg, access+"x")
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, out)["active"])
}

func TestKeygen_HMACToStdout(t *testing.T) {
	out, err := run(t, "keygen", "--alg", keys.HS256)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(out), keys.MinSecretLength(keys.HS256))
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "validate without config", args: []string{"validate"}},
		{name: "keygen unsupported algorithm", args: []string{"keygen", "--alg", "XS999"}},
		{name: "keygen none", args: []string{"keygen", "--alg", keys.None}},
		{name: "inspect malformed", args: []string{"inspect", "not-a-jwt"}},
		{name: "inspect without token", args: []string{"inspect"}},
		{name: "jwks without domain", args: []string{"jwks", "--config", "missing.yaml"}},
		{name: "token missing config file", args: []string{"token", "--config", "missing.yaml", "--domain", "a", "--client", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
