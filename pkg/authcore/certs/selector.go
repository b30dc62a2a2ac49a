// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package certs decides which deployed key provider signs a token and which
// one verifies it. All key selection goes through this package.
package certs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/logger"
)

// ErrNoProvider is returned when no provider fits the request.
var ErrNoProvider = errors.New("no key provider available")

// Purpose is the kind of artifact being signed.
type Purpose string

const (
	PurposeAccessToken           Purpose = "access_token"
	PurposeRefreshToken          Purpose = "refresh_token"
	PurposeIDToken               Purpose = "id_token"
	PurposeUserinfo              Purpose = "userinfo"
	PurposeAuthorizationResponse Purpose = "authorization_response"
)

// preferredAlgorithm returns the client's signing preference for purpose.
func preferredAlgorithm(purpose Purpose, client *oauth2.Client) string {
	switch purpose {
	case PurposeIDToken:
		return client.IDTokenSignedResponseAlg
	case PurposeUserinfo:
		return client.UserinfoSignedResponseAlg
	case PurposeAuthorizationResponse:
		return client.AuthorizationSignedResponseAlg
	default:
		return ""
	}
}

// Selector picks signing providers from the key registry.
type Selector struct {
	registry *keys.Registry
	logger   *slog.Logger
}

// NewSelector returns a selector over registry.
func NewSelector(registry *keys.Registry) *Selector {
	return &Selector{registry: registry, logger: logger.Get()}
}

// SelectFor returns the provider that signs purpose for client from the
// domain's current snapshot.
func (s *Selector) SelectFor(ctx context.Context, purpose Purpose, client *oauth2.Client) (*keys.Provider, error) {
	snap, _ := s.registry.Snapshot(client.Domain)
	return s.SelectFrom(ctx, snap, purpose, client)
}

// SelectFrom returns the provider in snap that signs purpose for client.
// First match wins: the client's algorithm preference for purpose, the
// client's certificate, the domain default, and for userinfo without a
// preference the unsigned provider. snap may be nil.
func (s *Selector) SelectFrom(_ context.Context, snap *keys.Snapshot, purpose Purpose, client *oauth2.Client) (*keys.Provider, error) {
	pref := preferredAlgorithm(purpose, client)

	if pref != "" {
		if pref == keys.None && purpose == PurposeUserinfo {
			return keys.NoneProvider(), nil
		}
		if p := matchAlgorithm(snap, client, pref); p != nil {
			return p, nil
		}
		s.logger.Debug("no provider matches client algorithm preference",
			"domain", client.Domain,
			"client_id", client.ID,
			"purpose", string(purpose),
			"alg", pref,
		)
	}

	if snap != nil && client.CertificateID != "" {
		if p, ok := snap.Provider(client.CertificateID); ok && p.Usage() == keys.UsageSign {
			return p, nil
		}
		s.logger.Warn("client certificate not deployed, falling back to domain default",
			"domain", client.Domain,
			"client_id", client.ID,
			"certificate_id", client.CertificateID,
		)
	}

	if snap != nil {
		if p, ok := snap.Default(); ok {
			return p, nil
		}
	}

	if purpose == PurposeUserinfo && pref == "" {
		return keys.NoneProvider(), nil
	}

	return nil, ErrNoProvider
}

// matchAlgorithm finds a signing provider using alg, trying the client's
// certificate, then the domain default, then every provider in order.
func matchAlgorithm(snap *keys.Snapshot, client *oauth2.Client, alg string) *keys.Provider {
	if snap == nil {
		return nil
	}
	usable := func(p *keys.Provider) bool {
		return p.Usage() == keys.UsageSign && p.Algorithm() == alg
	}
	if client.CertificateID != "" {
		if p, ok := snap.Provider(client.CertificateID); ok && usable(p) {
			return p
		}
	}
	if p, ok := snap.Default(); ok && usable(p) {
		return p
	}
	for _, p := range snap.Providers() {
		if usable(p) {
			return p
		}
	}
	return nil
}
