// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the file configuration of authcore: the deployed
// domains with their certificates, claim mappers and clients, and the
// storage backend.
//
// Configuration is read from YAML. Every key can be overridden from the
// environment with the AUTHCORE_ prefix, nested keys joined by underscores
// (AUTHCORE_STORAGE_TYPE=redis).
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/stacklok/authcore/pkg/authcore/keys"
	"github.com/stacklok/authcore/pkg/logger"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "AUTHCORE"

// StorageType selects the storage backend.
type StorageType string

const (
	// StorageTypeMemory keeps all state in process (default).
	StorageTypeMemory StorageType = "memory"

	// StorageTypeRedis stores state in Redis.
	StorageTypeRedis StorageType = "redis"

	// StorageTypeSQLite stores state in a SQLite database file.
	StorageTypeSQLite StorageType = "sqlite"
)

const (
	// DefaultCleanupInterval is how often the memory backend sweeps
	// expired records.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRedisKeyPrefix namespaces Redis keys.
	DefaultRedisKeyPrefix = "authcore:"

	// DefaultCertificateID names the certificate generated for a domain
	// that configures none.
	DefaultCertificateID = "default"
)

// Config is the root of the configuration file.
type Config struct {
	Domains []DomainConfig `mapstructure:"domains"`
	Storage StorageConfig  `mapstructure:"storage"`
}

// DomainConfig configures one tenant.
type DomainConfig struct {
	ID     string `mapstructure:"id"`
	Issuer string `mapstructure:"issuer"`

	// Token lifetimes; zero selects the built-in default.
	AccessTokenValidity       time.Duration `mapstructure:"access_token_validity"`
	RefreshTokenValidity      time.Duration `mapstructure:"refresh_token_validity"`
	IDTokenValidity           time.Duration `mapstructure:"id_token_validity"`
	AuthorizationCodeValidity time.Duration `mapstructure:"authorization_code_validity"`
	PushedRequestValidity     time.Duration `mapstructure:"pushed_request_validity"`

	Certificates []CertificateConfig `mapstructure:"certificates"`
	ClaimMappers []ClaimMapperConfig `mapstructure:"claim_mappers"`
	Clients      []ClientConfig      `mapstructure:"clients"`
}

// CertificateConfig configures one signing credential. Exactly one of
// KeyFile, PublicKeyFile, SecretFile and Generate is set.
type CertificateConfig struct {
	ID string `mapstructure:"id"`

	// Algorithm is derived from the key when empty, except for secrets and
	// generated keys.
	Algorithm string `mapstructure:"algorithm"`

	// KeyID overrides the RFC 7638 thumbprint kid.
	KeyID string `mapstructure:"key_id"`

	// Default marks the domain default certificate.
	Default bool `mapstructure:"default"`

	// KeyFile is a PEM private key.
	KeyFile string `mapstructure:"key_file"`

	// PublicKeyFile is a PEM public key, deployed for verification only.
	PublicKeyFile string `mapstructure:"public_key_file"`

	// SecretFile holds an HMAC secret.
	SecretFile string `mapstructure:"secret_file"`

	// Generate creates an ephemeral key at startup. Tokens signed with it
	// do not survive a restart.
	Generate bool `mapstructure:"generate"`
}

// ClaimMapperConfig is a CEL expression assigned to a claim.
type ClaimMapperConfig struct {
	Claim      string `mapstructure:"claim"`
	Expression string `mapstructure:"expression"`
}

// ClientConfig configures a registered client.
type ClientConfig struct {
	ID            string   `mapstructure:"id"`
	GrantTypes    []string `mapstructure:"grant_types"`
	Scopes        []string `mapstructure:"scopes"`
	DefaultScopes []string `mapstructure:"default_scopes"`
	CertificateID string   `mapstructure:"certificate_id"`

	IDTokenSignedResponseAlg       string `mapstructure:"id_token_signed_response_alg"`
	UserinfoSignedResponseAlg      string `mapstructure:"userinfo_signed_response_alg"`
	AuthorizationSignedResponseAlg string `mapstructure:"authorization_signed_response_alg"`

	AccessTokenValidity  time.Duration `mapstructure:"access_token_validity"`
	RefreshTokenValidity time.Duration `mapstructure:"refresh_token_validity"`
	IDTokenValidity      time.Duration `mapstructure:"id_token_validity"`

	DisableRefreshTokenRotation bool `mapstructure:"disable_refresh_token_rotation"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Type StorageType `mapstructure:"type"`

	// CleanupInterval is the memory backend sweep interval.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// PasswordFile is read when Password is empty.
	PasswordFile string `mapstructure:"password_file"`

	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// SentinelMasterName enables Sentinel failover together with
	// SentinelAddrs.
	SentinelMasterName string   `mapstructure:"sentinel_master_name"`
	SentinelAddrs      []string `mapstructure:"sentinel_addrs"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registered so environment overrides apply when the file omits them.
	v.SetDefault("storage.type", string(StorageTypeMemory))
	v.SetDefault("storage.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.key_prefix", DefaultRedisKeyPrefix)
	v.SetDefault("storage.sqlite.path", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}

	logger.Debugw("configuration loaded",
		"path", path,
		"domains", len(cfg.Domains),
		"storage", cfg.Storage.Type,
	)
	return &cfg, nil
}

// DefaultStorageConfig returns the storage settings used for every field a
// configuration leaves unset.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Type:            StorageTypeMemory,
		CleanupInterval: DefaultCleanupInterval,
		Redis:           RedisConfig{KeyPrefix: DefaultRedisKeyPrefix},
	}
}

func (c *Config) applyDefaults() {
	// Only zero values are filled; explicit settings are kept.
	if err := mergo.Merge(&c.Storage, DefaultStorageConfig()); err != nil {
		logger.Warnw("failed to apply storage defaults", "error", err)
	}

	for i := range c.Domains {
		d := &c.Domains[i]
		if len(d.Certificates) == 0 {
			d.Certificates = []CertificateConfig{{
				ID:        DefaultCertificateID,
				Algorithm: keys.DefaultAlgorithm,
				Default:   true,
				Generate:  true,
			}}
		}
		for j := range d.Certificates {
			cert := &d.Certificates[j]
			if cert.Generate && cert.Algorithm == "" {
				cert.Algorithm = keys.DefaultAlgorithm
			}
		}
	}
}

// Domain returns the domain with the given id.
func (c *Config) Domain(id string) (*DomainConfig, bool) {
	for i := range c.Domains {
		if c.Domains[i].ID == id {
			return &c.Domains[i], true
		}
	}
	return nil, false
}
