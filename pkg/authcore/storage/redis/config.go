// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"errors"
	"time"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultConnectAttempts bounds the startup ping retries.
	DefaultConnectAttempts = 5
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is a single-node address. Ignored when Sentinel is set.
	Addr string

	// Sentinel enables failover through Redis Sentinel.
	Sentinel *SentinelConfig

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "authcore:prod:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectAttempts is how many times the startup ping is tried.
	ConnectAttempts uint
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Sentinel != nil {
		if c.Sentinel.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(c.Sentinel.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	} else if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}
