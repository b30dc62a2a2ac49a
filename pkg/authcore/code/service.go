// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package code issues and redeems authorization codes.
package code

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// valueBytes is the entropy of a code value.
const valueBytes = 32

// createAttempts bounds retries on a code value collision.
const createAttempts = 3

// Service creates and consumes authorization codes.
type Service struct {
	repo    storage.AuthorizationCodeRepository
	domains oauth2.DomainSource
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService returns a Service persisting to repo.
func NewService(repo storage.AuthorizationCodeRepository, domains oauth2.DomainSource, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		domains: domains,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new code built from rec. The id, code value, creation
// and expiry times are assigned here; rec is left untouched.
func (s *Service) Create(ctx context.Context, rec *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	dom, err := s.domains.Domain(rec.Domain)
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to resolve domain %q: %w", rec.Domain, err))
	}

	stored := *rec
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.now()
	stored.ExpireAt = stored.CreatedAt.Add(dom.AuthorizationCodeTTL())

	// The write outlives a caller that gives up waiting.
	wctx := context.WithoutCancel(ctx)
	for range createAttempts {
		stored.Code, err = newValue()
		if err != nil {
			return nil, oauth2.ServerError(err)
		}
		err = s.repo.CreateAuthorizationCode(wctx, &stored)
		if !errors.Is(err, storage.ErrAlreadyExists) {
			break
		}
	}
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to store authorization code: %w", err))
	}

	logger.ForDomain(stored.Domain).Debug("authorization code created",
		"client_id", stored.ClientID,
		"code_id", stored.ID,
	)
	return &stored, nil
}

// Consume redeems code for clientID. The code is removed whatever the
// outcome, so a code presented by the wrong client is burnt too.
func (s *Service) Consume(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	if code == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'code' parameter is missing.")
	}

	rec, err := s.repo.ConsumeAuthorizationCode(context.WithoutCancel(ctx), code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fosite.ErrInvalidGrant.WithHint("The authorization code is invalid, expired or already used.")
	}
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to consume authorization code: %w", err))
	}

	if rec.ClientID != clientID {
		logger.ForDomain(rec.Domain).Warn("authorization code presented by another client",
			"code_id", rec.ID,
			"client_id", clientID,
		)
		return nil, fosite.ErrInvalidGrant.WithHint("The authorization code was issued to another client.")
	}
	return rec, nil
}

func newValue() (string, error) {
	b := make([]byte, valueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
