// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/storage/storagetest"
)

const testPrefix = "authcore:test:"

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis, *storagetest.Clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	clock := storagetest.NewClock(time.Now())
	s := NewWithClient(client, testPrefix, WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr, clock
}

func TestRedisStorageConformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) *storagetest.Harness {
		t.Helper()
		s, mr, clock := newTestStorage(t)
		return &storagetest.Harness{
			Store: s,
			Clock: clock,
			Advance: func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			},
		}
	})
}

func TestRedisKeysCarryTTL(t *testing.T) {
	t.Parallel()

	s, mr, clock := newTestStorage(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, s.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		ID: "id", Code: "abc", ClientID: "c1", CreatedAt: now, ExpireAt: now.Add(10 * time.Minute),
	}))
	require.NoError(t, s.CreateAccessToken(ctx, &storage.AccessToken{
		ID: "at", ClientID: "c1", RefreshTokenID: "rt", CreatedAt: now, ExpireAt: now.Add(time.Hour),
	}))

	assert.InDelta(t, (10 * time.Minute).Seconds(), mr.TTL(testPrefix+"code:abc").Seconds(), 2)
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL(testPrefix+"access:at").Seconds(), 2)
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL(testPrefix+"access_by_refresh:rt").Seconds(), 2)

	members, err := mr.SMembers(testPrefix + "access_by_refresh:rt")
	require.NoError(t, err)
	assert.Equal(t, []string{"at"}, members)
}

func TestRedisCascadeRemovesIndex(t *testing.T) {
	t.Parallel()

	s, mr, clock := newTestStorage(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, s.CreateAccessToken(ctx, &storage.AccessToken{
		ID: "at", ClientID: "c1", RefreshTokenID: "rt", CreatedAt: now, ExpireAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.DeleteAccessTokensByRefreshToken(ctx, "rt"))

	assert.False(t, mr.Exists(testPrefix+"access:at"))
	assert.False(t, mr.Exists(testPrefix+"access_by_refresh:rt"))
}

func TestRedisExpiredRecordNotStored(t *testing.T) {
	t.Parallel()

	s, mr, clock := newTestStorage(t)
	ctx := context.Background()
	past := clock.Now().Add(-time.Second)

	err := s.CreateRefreshToken(ctx, &storage.RefreshToken{ID: "rt", ClientID: "c1", ExpireAt: past})
	require.ErrorIs(t, err, storage.ErrExpired)
	assert.False(t, mr.Exists(testPrefix+"refresh:rt"))

	err = s.CreateAccessToken(ctx, &storage.AccessToken{ID: "at", ClientID: "c1", RefreshTokenID: "rt", ExpireAt: past})
	require.ErrorIs(t, err, storage.ErrExpired)
	assert.False(t, mr.Exists(testPrefix+"access:at"))
	assert.False(t, mr.Exists(testPrefix+"access_by_refresh:rt"))
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()

	s, mr, _ := newTestStorage(t)
	mr.Close()

	_, err := s.ConsumeAuthorizationCode(context.Background(), "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "single node", cfg: Config{Addr: "localhost:6379", KeyPrefix: "p:"}},
		{name: "sentinel", cfg: Config{Sentinel: &SentinelConfig{MasterName: "m", SentinelAddrs: []string{"s:26379"}}, KeyPrefix: "p:"}},
		{name: "missing addr", cfg: Config{KeyPrefix: "p:"}, wantErr: "redis address is required"},
		{name: "missing prefix", cfg: Config{Addr: "localhost:6379"}, wantErr: "key prefix is required"},
		{name: "sentinel without master", cfg: Config{Sentinel: &SentinelConfig{SentinelAddrs: []string{"s"}}, KeyPrefix: "p:"}, wantErr: "master name"},
		{name: "sentinel without addrs", cfg: Config{Sentinel: &SentinelConfig{MasterName: "m"}, KeyPrefix: "p:"}, wantErr: "sentinel address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewConnects(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: testPrefix, ConnectAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(context.Background()))
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{
		Addr: addr, KeyPrefix: testPrefix, ConnectAttempts: 1, DialTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
