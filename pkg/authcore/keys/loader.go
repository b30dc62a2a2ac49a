// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// rsaGenerateBits is the modulus size for generated RSA keys.
const rsaGenerateBits = 2048

// LoadSigningKey loads a private key from a PEM file.
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParsePrivateKeyPEM(keyPEM)
}

// ParsePrivateKeyPEM parses RSA (PKCS1/PKCS8), ECDSA (SEC1/PKCS8) and
// Ed25519 (PKCS8) private keys.
func ParsePrivateKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// LoadPublicKey loads a PKIX public key or an X.509 certificate from a PEM
// file, for verify-only providers.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from public key")
	}
	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// EncodePrivateKeyPEM serializes a private key as PKCS8 PEM.
func EncodePrivateKeyPEM(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DeriveKeyID computes an RFC 7638 JWK thumbprint of the key's public half.
func DeriveKeyID(key crypto.Signer) (string, error) {
	return thumbprint(key.Public())
}

func thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// DeriveAlgorithm picks the algorithm implied by the key type.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return RS256, nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	case ed25519.PrivateKey:
		return EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return ES256, nil
	case elliptic.P384():
		return ES384, nil
	case elliptic.P521():
		return ES512, nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that alg can be used with key.
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	return validateAlgorithmForPublicKey(alg, key.Public())
}

func validateAlgorithmForPublicKey(alg string, pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if !slices.Contains(rsaAlgorithms, alg) {
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
		return nil
	case *ecdsa.PublicKey:
		expected, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				alg, k.Curve.Params().Name, expected)
		}
		return nil
	case ed25519.PublicKey:
		if alg != EdDSA {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", alg)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", pub)
	}
}

// SigningKeyParams are the derived or configured parameters of a key.
type SigningKeyParams struct {
	Key       crypto.Signer
	KeyID     string
	Algorithm string
}

// DeriveSigningKeyParams fills in keyID and algorithm from the key when they
// are empty, and validates them against the key otherwise.
func DeriveSigningKeyParams(key crypto.Signer, keyID, algorithm string) (*SigningKeyParams, error) {
	params := &SigningKeyParams{Key: key, KeyID: keyID, Algorithm: algorithm}

	if params.KeyID == "" {
		derived, err := DeriveKeyID(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key ID: %w", err)
		}
		params.KeyID = derived
	}

	if params.Algorithm == "" {
		derived, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive algorithm: %w", err)
		}
		params.Algorithm = derived
	} else if err := ValidateAlgorithmForKey(params.Algorithm, key); err != nil {
		return nil, err
	}

	return params, nil
}

// MinSecretLength is the minimum HMAC secret size for alg: the hash output
// size (RFC 7518 §3.2).
func MinSecretLength(alg string) int {
	switch alg {
	case HS384:
		return 48
	case HS512:
		return 64
	default:
		return 32
	}
}

// LoadHMACSecret reads an HMAC secret from a file, trimming surrounding
// whitespace left by secret mounts.
func LoadHMACSecret(secretPath, alg string) ([]byte, error) {
	data, err := os.ReadFile(secretPath) // #nosec G304 - secretPath comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read HMAC secret file: %w", err)
	}

	secret := []byte(strings.TrimSpace(string(data)))
	if minLen := MinSecretLength(alg); len(secret) < minLen {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d bytes", minLen, len(secret))
	}
	return secret, nil
}

// GenerateSigner creates a fresh private key for an asymmetric algorithm.
func GenerateSigner(alg string) (crypto.Signer, error) {
	switch {
	case slices.Contains(rsaAlgorithms, alg):
		return rsa.GenerateKey(rand.Reader, rsaGenerateBits)
	case alg == ES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case alg == ES384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case alg == ES512:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case alg == EdDSA:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", alg)
	}
}

// GenerateSecret creates a random HMAC secret sized for alg.
func GenerateSecret(alg string) ([]byte, error) {
	if !IsSymmetric(alg) {
		return nil, fmt.Errorf("%s is not an HMAC algorithm", alg)
	}
	secret := make([]byte, MinSecretLength(alg))
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate HMAC secret: %w", err)
	}
	return secret, nil
}
