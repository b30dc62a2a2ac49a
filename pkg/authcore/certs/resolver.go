// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package certs

import (
	"context"
	"fmt"

	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/keys"
)

// Resolver finds verification providers for inbound tokens. Lookups are
// keyed by the (domain, issuer) pair so a token is only ever verified with
// keys of the domain that issued it, whichever domain the caller lives in.
type Resolver struct {
	registry *keys.Registry
}

// NewResolver returns a resolver over registry.
func NewResolver(registry *keys.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// VerifierFor returns the provider that verifies a token of domain issued
// by issuer and signed with kid. When domain is empty every domain issuing
// as issuer is searched. The unsigned provider is never returned.
func (r *Resolver) VerifierFor(_ context.Context, domain, issuer, kid string) (*keys.Provider, error) {
	if domain != "" {
		snap, ok := r.registry.Lookup(domain, issuer)
		if !ok {
			return nil, ErrNoProvider
		}
		if p := pickVerifier(snap, kid); p != nil {
			return p, nil
		}
		return nil, ErrNoProvider
	}

	for _, snap := range r.registry.ByIssuer(issuer) {
		if p := pickVerifier(snap, kid); p != nil {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

func pickVerifier(snap *keys.Snapshot, kid string) *keys.Provider {
	if kid != "" {
		p, _ := snap.ByKeyID(kid)
		return p
	}
	p, _ := snap.Default()
	return p
}

// Verify decodes raw, resolves its verifier from the domain, iss and kid
// it carries, and verifies the signature. fallbackDomain is tried before
// the issuer index when the token has no domain claim. Time-based claims
// are not checked.
func (r *Resolver) Verify(ctx context.Context, raw, fallbackDomain string) (jwt.JWT, error) {
	decoded, err := jwt.Decode(raw)
	if err != nil {
		return nil, err
	}

	issuer := decoded.Claims.Issuer()
	domain := decoded.Claims.Domain()
	kid := decoded.KeyID()

	var provider *keys.Provider
	switch {
	case domain != "":
		provider, err = r.VerifierFor(ctx, domain, issuer, kid)
	case fallbackDomain != "":
		provider, err = r.VerifierFor(ctx, fallbackDomain, issuer, kid)
		if err != nil {
			provider, err = r.VerifierFor(ctx, "", issuer, kid)
		}
	default:
		provider, err = r.VerifierFor(ctx, "", issuer, kid)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jwt.ErrInvalidToken, err)
	}

	return jwt.DecodeAndVerify(raw, provider)
}
