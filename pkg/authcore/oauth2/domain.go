// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth2

import (
	"errors"
	"time"
)

// Default lifetimes applied when neither client nor domain configure one.
const (
	DefaultAccessTokenValidity       = 7200 * time.Second
	DefaultRefreshTokenValidity      = 14400 * time.Second
	DefaultIDTokenValidity           = 14400 * time.Second
	DefaultAuthorizationCodeValidity = 10 * time.Minute
	DefaultPushedRequestValidity     = 60 * time.Second
)

// ErrUnknownDomain is returned when a domain is not deployed.
var ErrUnknownDomain = errors.New("unknown domain")

// ClaimMapper computes one claim from the evaluation variables "user",
// "client" and "request".
type ClaimMapper interface {
	// Claim is the name of the claim the mapper assigns.
	Claim() string

	// Evaluate returns the claim value.
	Evaluate(vars map[string]any) (any, error)
}

// Domain is the token-relevant configuration of a tenant.
type Domain struct {
	ID     string
	Issuer string

	AccessTokenValidity       time.Duration
	RefreshTokenValidity      time.Duration
	IDTokenValidity           time.Duration
	AuthorizationCodeValidity time.Duration
	PushedRequestValidity     time.Duration

	// ClaimMappers run in order, later mappers overwriting earlier claims.
	ClaimMappers []ClaimMapper
}

// AccessTokenTTL resolves the access token lifetime for client.
func (d *Domain) AccessTokenTTL(c *Client) time.Duration {
	return pickTTL(c.AccessTokenValidity, d.AccessTokenValidity, DefaultAccessTokenValidity)
}

// RefreshTokenTTL resolves the refresh token lifetime for client.
func (d *Domain) RefreshTokenTTL(c *Client) time.Duration {
	return pickTTL(c.RefreshTokenValidity, d.RefreshTokenValidity, DefaultRefreshTokenValidity)
}

// IDTokenTTL resolves the ID token lifetime for client.
func (d *Domain) IDTokenTTL(c *Client) time.Duration {
	return pickTTL(c.IDTokenValidity, d.IDTokenValidity, DefaultIDTokenValidity)
}

// AuthorizationCodeTTL resolves the authorization code lifetime.
func (d *Domain) AuthorizationCodeTTL() time.Duration {
	return pickTTL(0, d.AuthorizationCodeValidity, DefaultAuthorizationCodeValidity)
}

// PushedRequestTTL resolves the pushed authorization request lifetime.
func (d *Domain) PushedRequestTTL() time.Duration {
	return pickTTL(0, d.PushedRequestValidity, DefaultPushedRequestValidity)
}

func pickTTL(candidates ...time.Duration) time.Duration {
	for _, c := range candidates {
		if c > 0 {
			return c
		}
	}
	return 0
}

// DomainSource resolves deployed domains.
type DomainSource interface {
	Domain(id string) (*Domain, error)
}
