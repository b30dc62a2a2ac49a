// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePEM writes a PEM block to a temp file and returns its path.
func writePEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLoadSigningKey(t *testing.T) {
	t.Parallel()

	t.Run("SEC1 EC key", func(t *testing.T) {
		t.Parallel()
		ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalECPrivateKey(ecKey)
		require.NoError(t, err)

		signer, err := LoadSigningKey(writePEM(t, "EC PRIVATE KEY", der))
		require.NoError(t, err)
		alg, err := DeriveAlgorithm(signer)
		require.NoError(t, err)
		assert.Equal(t, ES384, alg)
	})

	t.Run("PKCS1 RSA key", func(t *testing.T) {
		t.Parallel()
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		signer, err := LoadSigningKey(writePEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey)))
		require.NoError(t, err)
		assert.IsType(t, &rsa.PrivateKey{}, signer)
	})

	t.Run("PKCS8 Ed25519 key round trip", func(t *testing.T) {
		t.Parallel()
		signer, err := GenerateSigner(EdDSA)
		require.NoError(t, err)
		data, err := EncodePrivateKeyPEM(signer)
		require.NoError(t, err)

		parsed, err := ParsePrivateKeyPEM(data)
		require.NoError(t, err)
		alg, err := DeriveAlgorithm(parsed)
		require.NoError(t, err)
		assert.Equal(t, EdDSA, alg)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadSigningKey("/nonexistent/key.pem")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read signing key")
	})

	t.Run("not PEM", func(t *testing.T) {
		t.Parallel()
		_, err := ParsePrivateKeyPEM([]byte("not a key"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode PEM block")
	})
}

func TestLoadPublicKey(t *testing.T) {
	t.Parallel()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	pub, err := LoadPublicKey(writePEM(t, "PUBLIC KEY", der))
	require.NoError(t, err)
	assert.True(t, ecKey.PublicKey.Equal(pub))
}

func TestDeriveSigningKeyParams(t *testing.T) {
	t.Parallel()

	rsaKey, err := GenerateSigner(RS256)
	require.NoError(t, err)

	tests := []struct {
		name      string
		kid       string
		alg       string
		wantAlg   string
		wantErr   string
		customKid bool
	}{
		{name: "derived", wantAlg: RS256},
		{name: "PS256 accepted for RSA", alg: PS256, wantAlg: PS256},
		{name: "configured kid kept", kid: "my-kid", wantAlg: RS256, customKid: true},
		{name: "EC alg rejected for RSA", alg: ES256, wantErr: "not compatible with RSA key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, err := DeriveSigningKeyParams(rsaKey, tt.kid, tt.alg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, params.Algorithm)
			if tt.customKid {
				assert.Equal(t, tt.kid, params.KeyID)
			} else {
				derived, err := DeriveKeyID(rsaKey)
				require.NoError(t, err)
				assert.Equal(t, derived, params.KeyID)
			}
		})
	}
}

func TestLoadHMACSecret(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("too-short\n"), 0600))
	longEnough := filepath.Join(dir, "ok")
	require.NoError(t, os.WriteFile(longEnough, []byte("0123456789abcdef0123456789abcdef\n"), 0600))

	_, err := LoadHMACSecret(short, HS256)
	require.Error(t, err)

	secret, err := LoadHMACSecret(longEnough, HS256)
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	_, err = LoadHMACSecret(longEnough, HS512)
	require.Error(t, err)
}

func TestGenerateSecret(t *testing.T) {
	t.Parallel()

	for _, alg := range []string{HS256, HS384, HS512} {
		secret, err := GenerateSecret(alg)
		require.NoError(t, err)
		assert.Len(t, secret, MinSecretLength(alg))
	}

	_, err := GenerateSecret(RS256)
	require.Error(t, err)
}
