// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

// Validate checks the configuration for consistency. It does not read key
// files or compile mapper expressions; Build does.
func (c *Config) Validate() error {
	if len(c.Domains) == 0 {
		return errors.New("at least one domain is required")
	}

	seen := make(map[string]struct{}, len(c.Domains))
	for i := range c.Domains {
		d := &c.Domains[i]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("domain %d (%s): %w", i, d.ID, err)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate domain id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Validate checks a domain and everything it contains.
func (d *DomainConfig) Validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	if d.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(d.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer %q must be an absolute URL", d.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer %q must not carry a query or fragment", d.Issuer)
	}

	for name, ttl := range map[string]time.Duration{
		"access_token_validity":       d.AccessTokenValidity,
		"refresh_token_validity":      d.RefreshTokenValidity,
		"id_token_validity":           d.IDTokenValidity,
		"authorization_code_validity": d.AuthorizationCodeValidity,
		"pushed_request_validity":     d.PushedRequestValidity,
	} {
		if ttl < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	certIDs := make([]string, 0, len(d.Certificates))
	defaults := 0
	for i := range d.Certificates {
		cert := &d.Certificates[i]
		if err := cert.Validate(); err != nil {
			return fmt.Errorf("certificate %d (%s): %w", i, cert.ID, err)
		}
		if slices.Contains(certIDs, cert.ID) {
			return fmt.Errorf("duplicate certificate id %q", cert.ID)
		}
		certIDs = append(certIDs, cert.ID)
		if cert.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("at most one certificate may be the default")
	}

	for i, m := range d.ClaimMappers {
		if m.Claim == "" {
			return fmt.Errorf("claim mapper %d: claim is required", i)
		}
		if m.Expression == "" {
			return fmt.Errorf("claim mapper %d (%s): expression is required", i, m.Claim)
		}
	}

	clientIDs := make(map[string]struct{}, len(d.Clients))
	for i := range d.Clients {
		cl := &d.Clients[i]
		if err := cl.Validate(certIDs); err != nil {
			return fmt.Errorf("client %d (%s): %w", i, cl.ID, err)
		}
		if _, dup := clientIDs[cl.ID]; dup {
			return fmt.Errorf("duplicate client id %q", cl.ID)
		}
		clientIDs[cl.ID] = struct{}{}
	}
	return nil
}

// Validate checks a certificate definition.
func (c *CertificateConfig) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}

	sources := 0
	for _, set := range []bool{c.KeyFile != "", c.PublicKeyFile != "", c.SecretFile != "", c.Generate} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return errors.New("exactly one of key_file, public_key_file, secret_file or generate is required")
	}

	if c.Algorithm != "" && !keys.IsSupported(c.Algorithm) {
		return fmt.Errorf("unsupported algorithm %q", c.Algorithm)
	}
	switch {
	case c.SecretFile != "" && !keys.IsSymmetric(c.Algorithm):
		return errors.New("secret_file requires an HMAC algorithm")
	case c.SecretFile == "" && keys.IsSymmetric(c.Algorithm) && !c.Generate:
		return fmt.Errorf("algorithm %s requires secret_file or generate", c.Algorithm)
	case c.PublicKeyFile != "" && c.Default:
		return errors.New("a verification-only certificate cannot be the default")
	case c.PublicKeyFile != "" && c.Algorithm == "":
		return errors.New("public_key_file requires algorithm")
	}
	return nil
}

// Validate checks a client against the certificates of its domain.
func (c *ClientConfig) Validate(certificateIDs []string) error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if len(c.GrantTypes) == 0 {
		return errors.New("at least one grant type is required")
	}
	if c.CertificateID != "" && !slices.Contains(certificateIDs, c.CertificateID) {
		return fmt.Errorf("unknown certificate %q", c.CertificateID)
	}
	if len(c.Scopes) > 0 {
		for _, s := range c.DefaultScopes {
			if !slices.Contains(c.Scopes, s) {
				return fmt.Errorf("default scope %q is not in scopes", s)
			}
		}
	}
	for _, alg := range []string{c.IDTokenSignedResponseAlg, c.UserinfoSignedResponseAlg, c.AuthorizationSignedResponseAlg} {
		if alg != "" && alg != keys.None && !keys.IsSupported(alg) {
			return fmt.Errorf("unsupported signing algorithm %q", alg)
		}
	}
	if c.AccessTokenValidity < 0 || c.RefreshTokenValidity < 0 || c.IDTokenValidity < 0 {
		return errors.New("token validity must not be negative")
	}
	return nil
}

// Validate checks the storage selection.
func (s *StorageConfig) Validate() error {
	switch s.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypeRedis:
		if s.Redis.SentinelMasterName != "" || len(s.Redis.SentinelAddrs) > 0 {
			if s.Redis.SentinelMasterName == "" || len(s.Redis.SentinelAddrs) == 0 {
				return errors.New("redis sentinel requires both sentinel_master_name and sentinel_addrs")
			}
			return nil
		}
		if s.Redis.Addr == "" {
			return errors.New("redis.addr is required for redis storage")
		}
		return nil
	case StorageTypeSQLite:
		if s.SQLite.Path == "" {
			return errors.New("sqlite.path is required for sqlite storage")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", s.Type)
	}
}
