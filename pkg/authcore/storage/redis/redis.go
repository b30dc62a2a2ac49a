// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redis implements storage.Storage on Redis. Single-use records are
// consumed with GETDEL; cascading revocation runs as one Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ory/fosite"
	goredis "github.com/redis/go-redis/v9"

	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// Key types, appended to the configured prefix.
const (
	KeyTypeCode            = "code"
	KeyTypePAR             = "par"
	KeyTypeAccess          = "access"
	KeyTypeRefresh         = "refresh"
	KeyTypeAccessByRefresh = "access_by_refresh"
)

func redisKey(prefix, keyType, id string) string {
	return fmt.Sprintf("%s%s:%s", prefix, keyType, id)
}

// createAccessScript stores an access token and indexes it under its refresh
// token in one step. The index lives at least as long as its longest member.
//
// KEYS[1] token key, KEYS[2] index key (optional)
// ARGV[1] payload, ARGV[2] ttl in ms (0: none), ARGV[3] token id
var createAccessScript = goredis.NewScript(`
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
if #KEYS > 1 then
  redis.call('SADD', KEYS[2], ARGV[3])
  if ttl > 0 then
    local current = redis.call('PTTL', KEYS[2])
    if current < ttl then
      redis.call('PEXPIRE', KEYS[2], ttl)
    end
  end
end
return 1
`)

// cascadeScript deletes every access token indexed under a refresh token,
// then the index.
//
// KEYS[1] index key, ARGV[1] access key prefix
var cascadeScript = goredis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// Storage implements storage.Storage on Redis.
type Storage struct {
	client    goredis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New connects to Redis, retrying the initial ping with exponential backoff.
func New(ctx context.Context, cfg Config, opts ...Option) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}
	cfg.applyDefaults()

	var client goredis.UniversalClient
	if cfg.Sentinel != nil {
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Debugw("redis ping failed, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.ConnectAttempts),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewWithClient wraps a pre-configured client. Useful with miniredis.
func NewWithClient(client goredis.UniversalClient, keyPrefix string, opts ...Option) *Storage {
	s := &Storage{client: client, keyPrefix: keyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks Redis connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *Storage) Close() error {
	return s.client.Close()
}

// ttlUntil returns the key TTL for a record expiring at expireAt. Zero
// means no expiry; ok is false when the record is already expired.
func (s *Storage) ttlUntil(expireAt time.Time) (ttl time.Duration, ok bool) {
	if expireAt.IsZero() {
		return 0, true
	}
	ttl = expireAt.Sub(s.now())
	return ttl, ttl > 0
}

func (s *Storage) live(expireAt time.Time) bool {
	return expireAt.IsZero() || s.now().Before(expireAt)
}

func notFound(what string) error {
	return fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint(what+" not found"))
}

// getDel atomically fetches and removes key, mapping a miss to ErrNotFound.
func (s *Storage) getDel(ctx context.Context, key, what string, into any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return notFound(what)
		}
		return fmt.Errorf("failed to consume %s: %w", what, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

func (s *Storage) get(ctx context.Context, key, what string, into any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return notFound(what)
		}
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

// -----------------------
// AuthorizationCodeRepository
// -----------------------

// CreateAuthorizationCode implements storage.AuthorizationCodeRepository.
func (s *Storage) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	ttl, ok := s.ttlUntil(code.ExpireAt)
	if !ok {
		return fmt.Errorf("%w: authorization code", storage.ErrExpired)
	}

	data, err := json.Marshal(toStoredCode(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	set, err := s.client.SetNX(ctx, redisKey(s.keyPrefix, KeyTypeCode, code.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
	}
	return nil
}

// ConsumeAuthorizationCode implements storage.AuthorizationCodeRepository.
func (s *Storage) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var stored storedCode
	if err := s.getDel(ctx, redisKey(s.keyPrefix, KeyTypeCode, code), "Authorization code", &stored); err != nil {
		return nil, err
	}
	if !s.live(stored.ExpireAt) {
		return nil, notFound("Authorization code")
	}
	return stored.record(), nil
}

// -----------------------
// PushedAuthorizationRequestRepository
// -----------------------

// CreatePushedAuthorizationRequest implements storage.PushedAuthorizationRequestRepository.
func (s *Storage) CreatePushedAuthorizationRequest(ctx context.Context, par *storage.PushedAuthorizationRequest) error {
	if par == nil || par.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("pushed authorization request id cannot be empty")
	}
	ttl, ok := s.ttlUntil(par.ExpireAt)
	if !ok {
		return fmt.Errorf("%w: pushed authorization request", storage.ErrExpired)
	}

	data, err := json.Marshal(toStoredPAR(par))
	if err != nil {
		return fmt.Errorf("failed to marshal pushed authorization request: %w", err)
	}

	set, err := s.client.SetNX(ctx, redisKey(s.keyPrefix, KeyTypePAR, par.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store pushed authorization request: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: pushed authorization request", storage.ErrAlreadyExists)
	}
	return nil
}

// ConsumePushedAuthorizationRequest implements storage.PushedAuthorizationRequestRepository.
func (s *Storage) ConsumePushedAuthorizationRequest(ctx context.Context, id string) (*storage.PushedAuthorizationRequest, error) {
	var stored storedPAR
	if err := s.getDel(ctx, redisKey(s.keyPrefix, KeyTypePAR, id), "Pushed authorization request", &stored); err != nil {
		return nil, err
	}
	if !s.live(stored.ExpireAt) {
		return nil, notFound("Pushed authorization request")
	}
	return stored.record(), nil
}

// -----------------------
// AccessTokenRepository
// -----------------------

// CreateAccessToken implements storage.AccessTokenRepository.
func (s *Storage) CreateAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("access token id cannot be empty")
	}
	ttl, ok := s.ttlUntil(token.ExpireAt)
	if !ok {
		return fmt.Errorf("%w: access token", storage.ErrExpired)
	}

	data, err := json.Marshal(fromAccess(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	keys := []string{redisKey(s.keyPrefix, KeyTypeAccess, token.ID)}
	if token.RefreshTokenID != "" {
		keys = append(keys, redisKey(s.keyPrefix, KeyTypeAccessByRefresh, token.RefreshTokenID))
	}
	if err := createAccessScript.Run(ctx, s.client, keys, data, ttl.Milliseconds(), token.ID).Err(); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	return nil
}

// GetAccessToken implements storage.AccessTokenRepository.
func (s *Storage) GetAccessToken(ctx context.Context, id string) (*storage.AccessToken, error) {
	var stored storedToken
	if err := s.get(ctx, redisKey(s.keyPrefix, KeyTypeAccess, id), "Access token", &stored); err != nil {
		return nil, err
	}
	if !s.live(stored.ExpireAt) {
		return nil, notFound("Access token")
	}
	return stored.access(), nil
}

// DeleteAccessToken implements storage.AccessTokenRepository.
func (s *Storage) DeleteAccessToken(ctx context.Context, id string) error {
	var stored storedToken
	if err := s.getDel(ctx, redisKey(s.keyPrefix, KeyTypeAccess, id), "Access token", &stored); err != nil {
		return err
	}
	if stored.RefreshTokenID != "" {
		// Best effort: a stale index member only causes a no-op DEL later.
		_ = s.client.SRem(ctx, redisKey(s.keyPrefix, KeyTypeAccessByRefresh, stored.RefreshTokenID), id).Err()
	}
	return nil
}

// DeleteAccessTokensByRefreshToken implements storage.AccessTokenRepository.
func (s *Storage) DeleteAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) error {
	index := redisKey(s.keyPrefix, KeyTypeAccessByRefresh, refreshTokenID)
	accessPrefix := redisKey(s.keyPrefix, KeyTypeAccess, "")
	n, err := cascadeScript.Run(ctx, s.client, []string{index}, accessPrefix).Int()
	if err != nil {
		return fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	if n > 0 {
		logger.Debugw("revoked access tokens by refresh token", "count", n)
	}
	return nil
}

// -----------------------
// RefreshTokenRepository
// -----------------------

// CreateRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token id cannot be empty")
	}
	ttl, ok := s.ttlUntil(token.ExpireAt)
	if !ok {
		return fmt.Errorf("%w: refresh token", storage.ErrExpired)
	}

	data, err := json.Marshal(fromRefresh(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, token.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	var stored storedToken
	if err := s.get(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id), "Refresh token", &stored); err != nil {
		return nil, err
	}
	if !s.live(stored.ExpireAt) {
		return nil, notFound("Refresh token")
	}
	return stored.refresh(), nil
}

// ConsumeRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) ConsumeRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	var stored storedToken
	if err := s.getDel(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id), "Refresh token", &stored); err != nil {
		return nil, err
	}
	if !s.live(stored.ExpireAt) {
		return nil, notFound("Refresh token")
	}
	return stored.refresh(), nil
}

// DeleteRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) DeleteRefreshToken(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if n == 0 {
		return notFound("Refresh token")
	}
	return nil
}

// Compile-time interface check.
var _ storage.Storage = (*Storage)(nil)
