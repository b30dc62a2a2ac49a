// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	redisstore "github.com/stacklok/authcore/pkg/authcore/storage/redis"
	sqlitestore "github.com/stacklok/authcore/pkg/authcore/storage/sqlite"
	"github.com/stacklok/authcore/pkg/authcore/token"
	"github.com/stacklok/authcore/pkg/logger"
)

// Domain compiles the token settings and claim mappers of the domain.
func (d *DomainConfig) Domain() (*oauth2.Domain, error) {
	mappers := make([]oauth2.ClaimMapper, 0, len(d.ClaimMappers))
	for _, m := range d.ClaimMappers {
		cm, err := token.CompileMapper(m.Claim, m.Expression)
		if err != nil {
			return nil, fmt.Errorf("claim mapper %s: %w", m.Claim, err)
		}
		mappers = append(mappers, cm)
	}

	return &oauth2.Domain{
		ID:                        d.ID,
		Issuer:                    d.Issuer,
		AccessTokenValidity:       d.AccessTokenValidity,
		RefreshTokenValidity:      d.RefreshTokenValidity,
		IDTokenValidity:           d.IDTokenValidity,
		AuthorizationCodeValidity: d.AuthorizationCodeValidity,
		PushedRequestValidity:     d.PushedRequestValidity,
		ClaimMappers:              mappers,
	}, nil
}

// Snapshot loads every certificate of the domain into a key snapshot.
func (d *DomainConfig) Snapshot() (*keys.Snapshot, error) {
	providers := make([]*keys.Provider, 0, len(d.Certificates))
	for i := range d.Certificates {
		p, err := d.Certificates[i].Provider()
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", d.Certificates[i].ID, err)
		}
		providers = append(providers, p)
	}
	return keys.NewSnapshot(d.ID, d.Issuer, providers...)
}

// OAuth2Clients returns the registered clients of the domain.
func (d *DomainConfig) OAuth2Clients() []*oauth2.Client {
	out := make([]*oauth2.Client, 0, len(d.Clients))
	for i := range d.Clients {
		out = append(out, d.Clients[i].Client(d.ID))
	}
	return out
}

// Provider loads or generates the credential.
func (c *CertificateConfig) Provider() (*keys.Provider, error) {
	opts := keys.ProviderOptions{KeyID: c.KeyID, Algorithm: c.Algorithm, Default: c.Default}

	switch {
	case c.KeyFile != "":
		signer, err := keys.LoadSigningKey(c.KeyFile)
		if err != nil {
			return nil, err
		}
		return keys.NewSigningProvider(c.ID, signer, opts)

	case c.PublicKeyFile != "":
		pub, err := keys.LoadPublicKey(c.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		return keys.NewVerifyingProvider(c.ID, pub, opts)

	case c.SecretFile != "":
		secret, err := keys.LoadHMACSecret(c.SecretFile, c.Algorithm)
		if err != nil {
			return nil, err
		}
		return keys.NewHMACProvider(c.ID, secret, opts)

	case c.Generate && keys.IsSymmetric(c.Algorithm):
		secret, err := keys.GenerateSecret(c.Algorithm)
		if err != nil {
			return nil, err
		}
		return keys.NewHMACProvider(c.ID, secret, opts)

	case c.Generate:
		signer, err := keys.GenerateSigner(c.Algorithm)
		if err != nil {
			return nil, err
		}
		logger.Warnw("using a generated signing key; issued tokens will not verify after restart",
			"certificate_id", c.ID,
			"algorithm", c.Algorithm,
		)
		return keys.NewSigningProvider(c.ID, signer, opts)

	default:
		return nil, fmt.Errorf("no key source configured")
	}
}

// Client converts the configuration into the client view of domain.
func (c *ClientConfig) Client(domain string) *oauth2.Client {
	return &oauth2.Client{
		ID:                             c.ID,
		Domain:                         domain,
		AuthorizedGrantTypes:           c.GrantTypes,
		Scopes:                         c.Scopes,
		DefaultScopes:                  c.DefaultScopes,
		CertificateID:                  c.CertificateID,
		IDTokenSignedResponseAlg:       c.IDTokenSignedResponseAlg,
		UserinfoSignedResponseAlg:      c.UserinfoSignedResponseAlg,
		AuthorizationSignedResponseAlg: c.AuthorizationSignedResponseAlg,
		AccessTokenValidity:            c.AccessTokenValidity,
		RefreshTokenValidity:           c.RefreshTokenValidity,
		IDTokenValidity:                c.IDTokenValidity,
		DisableRefreshTokenRotation:    c.DisableRefreshTokenRotation,
	}
}

// NewStorage opens the configured storage backend.
func NewStorage(ctx context.Context, cfg StorageConfig) (storage.Storage, error) {
	switch cfg.Type {
	case StorageTypeMemory, "":
		var opts []storage.MemoryStorageOption
		if cfg.CleanupInterval > 0 {
			opts = append(opts, storage.WithCleanupInterval(cfg.CleanupInterval))
		}
		return storage.NewMemoryStorage(opts...), nil

	case StorageTypeRedis:
		password, err := resolveRedisPassword(cfg.Redis)
		if err != nil {
			return nil, err
		}
		rc := redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}
		if cfg.Redis.SentinelMasterName != "" {
			rc.Sentinel = &redisstore.SentinelConfig{
				MasterName:    cfg.Redis.SentinelMasterName,
				SentinelAddrs: cfg.Redis.SentinelAddrs,
			}
		}
		s, err := redisstore.New(ctx, rc)
		if err != nil {
			return nil, err
		}
		return s, nil

	case StorageTypeSQLite:
		s, err := sqlitestore.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// resolveRedisPassword prefers the inline password over the password file.
func resolveRedisPassword(cfg RedisConfig) (string, error) {
	if cfg.Password != "" || cfg.PasswordFile == "" {
		return cfg.Password, nil
	}
	data, err := os.ReadFile(cfg.PasswordFile) // #nosec G304 - file path is provided by user via config
	if err != nil {
		return "", fmt.Errorf("failed to read Redis password file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
