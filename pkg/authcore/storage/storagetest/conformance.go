// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behavioural suite every storage adapter
// must pass.
package storagetest

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authcore/storage"
)

// Clock is a manually advanced time source shared by a harness and the
// adapter under test.
type Clock struct {
	now atomic.Int64
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	c := &Clock{}
	c.now.Store(start.UnixNano())
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	return time.Unix(0, c.now.Load())
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

// Harness is one adapter instance wired to a fake clock.
type Harness struct {
	Store storage.Storage
	Clock *Clock

	// Advance moves time forward for both the clock and the backend.
	// Defaults to Clock.Advance.
	Advance func(d time.Duration)
}

func (h *Harness) advance(d time.Duration) {
	if h.Advance != nil {
		h.Advance(d)
		return
	}
	h.Clock.Advance(d)
}

// Run executes the suite. newHarness must return a fresh, empty adapter on
// each call.
func Run(t *testing.T, newHarness func(t *testing.T) *Harness) {
	t.Helper()

	t.Run("AuthorizationCodeConsumedOnce", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		code := &storage.AuthorizationCode{
			ID:                  "id-1",
			Code:                "abc123",
			Domain:              "acme",
			ClientID:            "c1",
			Subject:             "u1",
			Scopes:              []string{"openid", "email"},
			RedirectURI:         "https://a/cb",
			Parameters:          url.Values{"nonce": {"n-0"}, "claims": {`{"id_token":{}}`}},
			CodeChallenge:       "challenge",
			CodeChallengeMethod: "S256",
			CreatedAt:           now,
			ExpireAt:            now.Add(10 * time.Minute),
		}
		require.NoError(t, h.Store.CreateAuthorizationCode(ctx, code))

		got, err := h.Store.ConsumeAuthorizationCode(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, code.ID, got.ID)
		assert.Equal(t, code.ClientID, got.ClientID)
		assert.Equal(t, code.Subject, got.Subject)
		assert.Equal(t, code.Scopes, got.Scopes)
		assert.Equal(t, code.RedirectURI, got.RedirectURI)
		assert.Equal(t, code.Parameters, got.Parameters)
		assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
		assert.Equal(t, code.CodeChallengeMethod, got.CodeChallengeMethod)
		assert.Equal(t, code.ExpireAt.Unix(), got.ExpireAt.Unix())

		_, err = h.Store.ConsumeAuthorizationCode(ctx, "abc123")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AuthorizationCodeConcurrentConsume", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		require.NoError(t, h.Store.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
			ID: "id-race", Code: "race", Domain: "acme", ClientID: "c1",
			CreatedAt: now, ExpireAt: now.Add(time.Minute),
		}))

		const consumers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			notFound  atomic.Int32
		)
		for range consumers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.Store.ConsumeAuthorizationCode(ctx, "race")
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, storage.ErrNotFound):
					notFound.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(consumers-1), notFound.Load())
	})

	t.Run("AuthorizationCodeExpired", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		require.NoError(t, h.Store.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
			ID: "id-exp", Code: "expiring", ClientID: "c1",
			CreatedAt: now, ExpireAt: now.Add(time.Minute),
		}))
		h.advance(2 * time.Minute)

		_, err := h.Store.ConsumeAuthorizationCode(ctx, "expiring")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AuthorizationCodeDuplicate", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		code := &storage.AuthorizationCode{ID: "a", Code: "dup", ClientID: "c1", CreatedAt: now, ExpireAt: now.Add(time.Minute)}
		require.NoError(t, h.Store.CreateAuthorizationCode(ctx, code))
		err := h.Store.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
			ID: "b", Code: "dup", ClientID: "c2", CreatedAt: now, ExpireAt: now.Add(time.Minute),
		})
		require.ErrorIs(t, err, storage.ErrAlreadyExists)

		got, err := h.Store.ConsumeAuthorizationCode(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ClientID)
	})

	t.Run("CreateExpiredRejected", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()
		past := now.Add(-time.Second)

		err := h.Store.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
			ID: "id-past", Code: "past", ClientID: "c1", CreatedAt: past.Add(-time.Minute), ExpireAt: past,
		})
		require.ErrorIs(t, err, storage.ErrExpired)
		err = h.Store.CreatePushedAuthorizationRequest(ctx, &storage.PushedAuthorizationRequest{
			ID: "par-past", ClientID: "c1", CreatedAt: past.Add(-time.Minute), ExpireAt: past,
		})
		require.ErrorIs(t, err, storage.ErrExpired)
		err = h.Store.CreateAccessToken(ctx, &storage.AccessToken{
			ID: "at-past", ClientID: "c1", CreatedAt: past.Add(-time.Minute), ExpireAt: now,
		})
		require.ErrorIs(t, err, storage.ErrExpired, "expiry equal to now is expired")
		err = h.Store.CreateRefreshToken(ctx, &storage.RefreshToken{
			ID: "rt-past", ClientID: "c1", CreatedAt: past.Add(-time.Minute), ExpireAt: past,
		})
		require.ErrorIs(t, err, storage.ErrExpired)

		_, err = h.Store.ConsumeAuthorizationCode(ctx, "past")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = h.Store.GetRefreshToken(ctx, "rt-past")
		require.ErrorIs(t, err, storage.ErrNotFound)

		// A missing expiry never expires.
		require.NoError(t, h.Store.CreateRefreshToken(ctx, &storage.RefreshToken{ID: "rt-forever", ClientID: "c1", CreatedAt: now}))
		_, err = h.Store.GetRefreshToken(ctx, "rt-forever")
		require.NoError(t, err)
	})

	t.Run("PushedAuthorizationRequest", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		par := &storage.PushedAuthorizationRequest{
			ID: "par-1", Domain: "acme", ClientID: "c1",
			Parameters: url.Values{"response_type": {"code"}, "scope": {"openid"}},
			CreatedAt:  now, ExpireAt: now.Add(time.Minute),
		}
		require.NoError(t, h.Store.CreatePushedAuthorizationRequest(ctx, par))

		got, err := h.Store.ConsumePushedAuthorizationRequest(ctx, "par-1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ClientID)
		assert.Equal(t, par.Parameters, got.Parameters)

		_, err = h.Store.ConsumePushedAuthorizationRequest(ctx, "par-1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, h.Store.CreatePushedAuthorizationRequest(ctx, &storage.PushedAuthorizationRequest{
			ID: "par-2", ClientID: "c1", CreatedAt: now, ExpireAt: now.Add(time.Minute),
		}))
		h.advance(2 * time.Minute)
		_, err = h.Store.ConsumePushedAuthorizationRequest(ctx, "par-2")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AccessTokenLifecycle", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		tok := &storage.AccessToken{
			ID: "at-1", Domain: "acme", ClientID: "c1", Subject: "u1",
			Scopes: []string{"openid"}, CreatedAt: now, ExpireAt: now.Add(time.Hour),
		}
		require.NoError(t, h.Store.CreateAccessToken(ctx, tok))

		got, err := h.Store.GetAccessToken(ctx, "at-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.Subject)
		assert.Equal(t, []string{"openid"}, got.Scopes)

		require.NoError(t, h.Store.DeleteAccessToken(ctx, "at-1"))
		_, err = h.Store.GetAccessToken(ctx, "at-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.ErrorIs(t, h.Store.DeleteAccessToken(ctx, "at-1"), storage.ErrNotFound)
	})

	t.Run("AccessTokenExpired", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		require.NoError(t, h.Store.CreateAccessToken(ctx, &storage.AccessToken{
			ID: "at-exp", ClientID: "c1", CreatedAt: now, ExpireAt: now.Add(time.Minute),
		}))
		h.advance(2 * time.Minute)
		_, err := h.Store.GetAccessToken(ctx, "at-exp")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CascadeByRefreshToken", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		for _, id := range []string{"at-a", "at-b"} {
			require.NoError(t, h.Store.CreateAccessToken(ctx, &storage.AccessToken{
				ID: id, ClientID: "c1", RefreshTokenID: "rt-1", CreatedAt: now, ExpireAt: now.Add(time.Hour),
			}))
		}
		require.NoError(t, h.Store.CreateAccessToken(ctx, &storage.AccessToken{
			ID: "at-other", ClientID: "c1", RefreshTokenID: "rt-2", CreatedAt: now, ExpireAt: now.Add(time.Hour),
		}))

		require.NoError(t, h.Store.DeleteAccessTokensByRefreshToken(ctx, "rt-1"))
		for _, id := range []string{"at-a", "at-b"} {
			_, err := h.Store.GetAccessToken(ctx, id)
			require.ErrorIs(t, err, storage.ErrNotFound)
		}
		_, err := h.Store.GetAccessToken(ctx, "at-other")
		require.NoError(t, err)

		require.NoError(t, h.Store.DeleteAccessTokensByRefreshToken(ctx, "rt-1"), "cascade is idempotent")
		require.NoError(t, h.Store.DeleteAccessTokensByRefreshToken(ctx, "never-issued"))
	})

	t.Run("RefreshTokenLifecycle", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		tok := &storage.RefreshToken{
			ID: "rt-1", Domain: "acme", ClientID: "c1", Subject: "u1",
			Scopes: []string{"openid", "offline_access"}, CreatedAt: now, ExpireAt: now.Add(time.Hour),
		}
		require.NoError(t, h.Store.CreateRefreshToken(ctx, tok))

		got, err := h.Store.GetRefreshToken(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, tok.Scopes, got.Scopes)

		consumed, err := h.Store.ConsumeRefreshToken(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", consumed.Subject)

		_, err = h.Store.ConsumeRefreshToken(ctx, "rt-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = h.Store.GetRefreshToken(ctx, "rt-1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, h.Store.CreateRefreshToken(ctx, &storage.RefreshToken{
			ID: "rt-2", ClientID: "c1", CreatedAt: now, ExpireAt: now.Add(time.Hour),
		}))
		require.NoError(t, h.Store.DeleteRefreshToken(ctx, "rt-2"))
		require.ErrorIs(t, h.Store.DeleteRefreshToken(ctx, "rt-2"), storage.ErrNotFound)
	})

	t.Run("RefreshTokenExpired", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		now := h.Clock.Now()

		require.NoError(t, h.Store.CreateRefreshToken(ctx, &storage.RefreshToken{
			ID: "rt-exp", ClientID: "c1", CreatedAt: now, ExpireAt: now.Add(time.Minute),
		}))
		h.advance(2 * time.Minute)
		_, err := h.Store.GetRefreshToken(ctx, "rt-exp")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = h.Store.ConsumeRefreshToken(ctx, "rt-exp")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Ping(context.Background()))
	})
}
