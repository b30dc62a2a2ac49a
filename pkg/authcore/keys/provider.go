// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// ErrInvalidProvider is returned when a provider cannot be built from the
// supplied key material.
var ErrInvalidProvider = errors.New("invalid key provider")

// Provider is one deployed credential. Providers are immutable once built.
type Provider struct {
	certificateID string
	algorithm     string
	keyID         string
	usage         Usage
	isDefault     bool

	signer    crypto.Signer
	publicKey crypto.PublicKey
	secret    []byte
}

// ProviderOptions carries the optional attributes of a provider.
type ProviderOptions struct {
	// KeyID overrides the derived key id.
	KeyID string

	// Algorithm overrides the algorithm derived from the key.
	Algorithm string

	// Default marks the provider as the domain default.
	Default bool
}

// NewSigningProvider builds a provider around an asymmetric private key.
// The key id defaults to the RFC 7638 thumbprint and the algorithm to the
// one derived from the key type.
func NewSigningProvider(certificateID string, signer crypto.Signer, opts ProviderOptions) (*Provider, error) {
	if certificateID == "" {
		return nil, fmt.Errorf("%w: certificate id is required", ErrInvalidProvider)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: private key is required", ErrInvalidProvider)
	}

	params, err := DeriveSigningKeyParams(signer, opts.KeyID, opts.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProvider, err)
	}

	return &Provider{
		certificateID: certificateID,
		algorithm:     params.Algorithm,
		keyID:         params.KeyID,
		usage:         UsageSign,
		isDefault:     opts.Default,
		signer:        signer,
		publicKey:     signer.Public(),
	}, nil
}

// NewVerifyingProvider builds a verify-only provider from a public key.
// Algorithm is required since a public key alone cannot tell RS256 from PS256.
func NewVerifyingProvider(certificateID string, pub crypto.PublicKey, opts ProviderOptions) (*Provider, error) {
	if certificateID == "" {
		return nil, fmt.Errorf("%w: certificate id is required", ErrInvalidProvider)
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is required", ErrInvalidProvider)
	}
	if !IsSupported(opts.Algorithm) || IsSymmetric(opts.Algorithm) {
		return nil, fmt.Errorf("%w: unsupported algorithm %q for public key", ErrInvalidProvider, opts.Algorithm)
	}
	if err := validateAlgorithmForPublicKey(opts.Algorithm, pub); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProvider, err)
	}

	kid := opts.KeyID
	if kid == "" {
		var err error
		kid, err = thumbprint(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProvider, err)
		}
	}

	return &Provider{
		certificateID: certificateID,
		algorithm:     opts.Algorithm,
		keyID:         kid,
		usage:         UsageVerify,
		isDefault:     false,
		publicKey:     pub,
	}, nil
}

// NewHMACProvider builds a provider around a shared secret. When no key id
// is given the certificate id is used; a thumbprint of the secret would
// publish a hash of it.
func NewHMACProvider(certificateID string, secret []byte, opts ProviderOptions) (*Provider, error) {
	if certificateID == "" {
		return nil, fmt.Errorf("%w: certificate id is required", ErrInvalidProvider)
	}
	alg := opts.Algorithm
	if alg == "" {
		alg = HS256
	}
	if !IsSymmetric(alg) {
		return nil, fmt.Errorf("%w: %s is not an HMAC algorithm", ErrInvalidProvider, alg)
	}
	if minLen := MinSecretLength(alg); len(secret) < minLen {
		return nil, fmt.Errorf("%w: %s secret must be at least %d bytes, got %d",
			ErrInvalidProvider, alg, minLen, len(secret))
	}

	kid := opts.KeyID
	if kid == "" {
		kid = certificateID
	}

	return &Provider{
		certificateID: certificateID,
		algorithm:     alg,
		keyID:         kid,
		usage:         UsageSign,
		isDefault:     opts.Default,
		secret:        append([]byte(nil), secret...),
	}, nil
}

var noneProvider = &Provider{
	certificateID: "none",
	algorithm:     None,
	usage:         UsageSign,
}

// NoneProvider returns the built-in unsigned provider. It is never part of a
// domain snapshot.
func NoneProvider() *Provider {
	return noneProvider
}

// CertificateID returns the id of the certificate this provider was built from.
func (p *Provider) CertificateID() string { return p.certificateID }

// Algorithm returns the JWS algorithm.
func (p *Provider) Algorithm() string { return p.algorithm }

// KeyID returns the kid placed in JWT headers. Empty for the none provider.
func (p *Provider) KeyID() string { return p.keyID }

// Usage returns whether the provider signs or only verifies.
func (p *Provider) Usage() Usage { return p.usage }

// IsDefault reports whether this is the domain default provider.
func (p *Provider) IsDefault() bool { return p.isDefault }

// IsNone reports whether this is the unsigned provider.
func (p *Provider) IsNone() bool { return p.algorithm == None }

// CanSign reports whether the provider holds signing material.
func (p *Provider) CanSign() bool {
	return p.IsNone() || p.signer != nil || len(p.secret) > 0
}

// SigningKey returns the key to hand to a JWS signer: a crypto.Signer for
// asymmetric keys, the secret for HMAC, nil otherwise.
func (p *Provider) SigningKey() any {
	switch {
	case p.signer != nil:
		return p.signer
	case len(p.secret) > 0:
		return p.secret
	default:
		return nil
	}
}

// VerificationKey returns the key to hand to a JWS verifier.
func (p *Provider) VerificationKey() any {
	if len(p.secret) > 0 {
		return p.secret
	}
	return p.publicKey
}

// PublicJWK returns the JWK advertised for this provider. Symmetric and
// unsigned providers have none.
func (p *Provider) PublicJWK() (jose.JSONWebKey, bool) {
	if p.publicKey == nil {
		return jose.JSONWebKey{}, false
	}
	return jose.JSONWebKey{
		Key:       p.publicKey,
		KeyID:     p.keyID,
		Algorithm: p.algorithm,
		Use:       "sig",
	}, true
}

// withDefault returns a copy of p carrying the given default flag.
func (p *Provider) withDefault(isDefault bool) *Provider {
	cp := *p
	cp.isDefault = isDefault
	return &cp
}
