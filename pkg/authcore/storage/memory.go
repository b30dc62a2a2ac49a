// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/logger"
)

// MemoryStorage implements Storage with in-process maps. Each operation runs
// in one critical section, which makes consume operations atomic within a
// single process. Suitable for development, tests and single-instance
// deployments.
type MemoryStorage struct {
	mu sync.Mutex

	// codes maps code value -> record.
	codes map[string]*AuthorizationCode

	// pars maps request id -> record.
	pars map[string]*PushedAuthorizationRequest

	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken

	// accessByRefresh maps refresh jti -> access jtis, for cascading revocation.
	accessByRefresh map[string]map[string]struct{}

	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval enables a background sweep of expired records. Reads
// filter expired records regardless.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		codes:           make(map[string]*AuthorizationCode),
		pars:            make(map[string]*PushedAuthorizationRequest),
		accessTokens:    make(map[string]*AccessToken),
		refreshTokens:   make(map[string]*RefreshToken),
		accessByRefresh: make(map[string]map[string]struct{}),
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}

	return s
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Ping(_ context.Context) error {
	return nil
}

// Close stops the background sweep, if running, and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes every expired record.
func (s *MemoryStorage) cleanupExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, v := range s.codes {
		if expired(v.ExpireAt, now) {
			delete(s.codes, k)
			removed++
		}
	}
	for k, v := range s.pars {
		if expired(v.ExpireAt, now) {
			delete(s.pars, k)
			removed++
		}
	}
	for k, v := range s.accessTokens {
		if expired(v.ExpireAt, now) {
			s.removeAccessLocked(k, v)
			removed++
		}
	}
	for k, v := range s.refreshTokens {
		if expired(v.ExpireAt, now) {
			delete(s.refreshTokens, k)
			removed++
		}
	}

	if removed > 0 {
		logger.Debugw("swept expired records", "count", removed)
	}
}

// -----------------------
// AuthorizationCodeRepository
// -----------------------

// CreateAuthorizationCode implements AuthorizationCodeRepository.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if err := RejectExpired("authorization code", code.ExpireAt, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.codes[code.Code]; ok && !expired(existing.ExpireAt, s.now()) {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.codes[code.Code] = cloneCode(code)
	return nil
}

// ConsumeAuthorizationCode implements AuthorizationCodeRepository.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	delete(s.codes, code)
	if expired(rec.ExpireAt, s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code expired"))
	}
	return rec, nil
}

// -----------------------
// PushedAuthorizationRequestRepository
// -----------------------

// CreatePushedAuthorizationRequest implements PushedAuthorizationRequestRepository.
func (s *MemoryStorage) CreatePushedAuthorizationRequest(_ context.Context, par *PushedAuthorizationRequest) error {
	if par == nil || par.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("pushed authorization request id cannot be empty")
	}
	if err := RejectExpired("pushed authorization request", par.ExpireAt, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pars[par.ID]; ok {
		return fmt.Errorf("%w: pushed authorization request", ErrAlreadyExists)
	}
	s.pars[par.ID] = clonePAR(par)
	return nil
}

// ConsumePushedAuthorizationRequest implements PushedAuthorizationRequestRepository.
func (s *MemoryStorage) ConsumePushedAuthorizationRequest(_ context.Context, id string) (*PushedAuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pushed authorization request not found"))
	}
	delete(s.pars, id)
	if expired(rec.ExpireAt, s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pushed authorization request expired"))
	}
	return rec, nil
}

// -----------------------
// AccessTokenRepository
// -----------------------

// CreateAccessToken implements AccessTokenRepository.
func (s *MemoryStorage) CreateAccessToken(_ context.Context, token *AccessToken) error {
	if token == nil || token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("access token id cannot be empty")
	}
	if err := RejectExpired("access token", token.ExpireAt, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneAccess(token)
	s.accessTokens[token.ID] = stored
	if token.RefreshTokenID != "" {
		set, ok := s.accessByRefresh[token.RefreshTokenID]
		if !ok {
			set = make(map[string]struct{})
			s.accessByRefresh[token.RefreshTokenID] = set
		}
		set[token.ID] = struct{}{}
	}
	return nil
}

// GetAccessToken implements AccessTokenRepository.
func (s *MemoryStorage) GetAccessToken(_ context.Context, id string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accessTokens[id]
	if !ok || expired(rec.ExpireAt, s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	return cloneAccess(rec), nil
}

// DeleteAccessToken implements AccessTokenRepository.
func (s *MemoryStorage) DeleteAccessToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.accessTokens[id]
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	s.removeAccessLocked(id, rec)
	return nil
}

// DeleteAccessTokensByRefreshToken implements AccessTokenRepository.
func (s *MemoryStorage) DeleteAccessTokensByRefreshToken(_ context.Context, refreshTokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.accessByRefresh[refreshTokenID] {
		delete(s.accessTokens, id)
	}
	delete(s.accessByRefresh, refreshTokenID)
	return nil
}

func (s *MemoryStorage) removeAccessLocked(id string, rec *AccessToken) {
	delete(s.accessTokens, id)
	if set, ok := s.accessByRefresh[rec.RefreshTokenID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.accessByRefresh, rec.RefreshTokenID)
		}
	}
}

// -----------------------
// RefreshTokenRepository
// -----------------------

// CreateRefreshToken implements RefreshTokenRepository.
func (s *MemoryStorage) CreateRefreshToken(_ context.Context, token *RefreshToken) error {
	if token == nil || token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token id cannot be empty")
	}
	if err := RejectExpired("refresh token", token.ExpireAt, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.ID] = cloneRefresh(token)
	return nil
}

// GetRefreshToken implements RefreshTokenRepository.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[id]
	if !ok || expired(rec.ExpireAt, s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return cloneRefresh(rec), nil
}

// ConsumeRefreshToken implements RefreshTokenRepository.
func (s *MemoryStorage) ConsumeRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	delete(s.refreshTokens, id)
	if expired(rec.ExpireAt, s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token expired"))
	}
	return rec, nil
}

// DeleteRefreshToken implements RefreshTokenRepository.
func (s *MemoryStorage) DeleteRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[id]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	delete(s.refreshTokens, id)
	return nil
}

func cloneCode(c *AuthorizationCode) *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Parameters = cloneValues(c.Parameters)
	return &cp
}

func clonePAR(p *PushedAuthorizationRequest) *PushedAuthorizationRequest {
	cp := *p
	cp.Parameters = cloneValues(p.Parameters)
	return &cp
}

func cloneAccess(t *AccessToken) *AccessToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

func cloneRefresh(t *RefreshToken) *RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)
