// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwt signs and verifies compact JWTs with the providers of a
// domain key snapshot.
package jwt

import (
	"encoding/json"
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

// ErrInvalidToken is returned for any token that fails decoding or
// verification.
var ErrInvalidToken = errors.New("invalid token")

// Decoded is an unverified token: its header and claims.
type Decoded struct {
	Header map[string]any
	Claims JWT
}

// KeyID returns the "kid" header.
func (d *Decoded) KeyID() string {
	kid, _ := d.Header["kid"].(string)
	return kid
}

// Algorithm returns the "alg" header.
func (d *Decoded) Algorithm() string {
	alg, _ := d.Header["alg"].(string)
	return alg
}

// Encode signs claims with provider. The "kid" header is set when the
// provider has one. Numeric claims must already be epoch seconds.
func Encode(claims JWT, provider *keys.Provider) (string, error) {
	if provider == nil || !provider.CanSign() {
		return "", fmt.Errorf("provider cannot sign")
	}

	method := gojwt.GetSigningMethod(provider.Algorithm())
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", provider.Algorithm())
	}

	key := provider.SigningKey()
	if provider.IsNone() {
		key = gojwt.UnsafeAllowNoneSignatureType
	}

	token := gojwt.NewWithClaims(method, gojwt.MapClaims(claims))
	if kid := provider.KeyID(); kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode parses a token without verifying it. The result must only be used
// to choose a verifier.
func Decode(raw string) (*Decoded, error) {
	parser := gojwt.NewParser(gojwt.WithJSONNumber())
	claims := gojwt.MapClaims{}
	token, _, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return &Decoded{Header: token.Header, Claims: normalize(claims)}, nil
}

// DecodeAndVerify parses raw and verifies its signature against provider.
// The token's algorithm must be the provider's, and when the provider has a
// key id the token must carry the same "kid". Time-based claims are left
// to the caller. Unsigned tokens never verify.
func DecodeAndVerify(raw string, provider *keys.Provider) (JWT, error) {
	if provider == nil || provider.IsNone() {
		return nil, fmt.Errorf("%w: no verification key", ErrInvalidToken)
	}

	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{provider.Algorithm()}),
		gojwt.WithoutClaimsValidation(),
		gojwt.WithJSONNumber(),
	)

	claims := gojwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *gojwt.Token) (any, error) {
		if want := provider.KeyID(); want != "" {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid header")
			}
			if kid != want {
				return nil, fmt.Errorf("kid %q does not match provider", kid)
			}
		}
		return provider.VerificationKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return normalize(claims), nil
}

// normalize turns json.Number values into int64 or float64.
func normalize(claims gojwt.MapClaims) JWT {
	out := make(JWT, len(claims))
	for k, v := range claims {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}
