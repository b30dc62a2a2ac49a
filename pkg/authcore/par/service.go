// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package par implements RFC 9126 pushed authorization requests.
package par

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// RequestURIPrefix starts every request_uri handed out by Push.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// PushResult is the PAR endpoint success body.
type PushResult struct {
	RequestURI string
	ExpiresIn  int64
}

// Response renders the RFC 9126 §2.2 body.
func (r *PushResult) Response() map[string]any {
	return map[string]any{
		"request_uri": r.RequestURI,
		"expires_in":  r.ExpiresIn,
	}
}

// Service stores and dereferences pushed authorization requests.
type Service struct {
	repo    storage.PushedAuthorizationRequestRepository
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
func NewService(repo storage.PushedAuthorizationRequestRepository, domains oauth2.DomainSource, opts ...Option) *Service {
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

// Push stores params on behalf of the authenticated client.
func (s *Service) Push(ctx context.Context, client *oauth2.Client, params url.Values) (*PushResult, error) {
	if params.Has(oauth2.ParamRequestURI) {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'request_uri' parameter must not be pushed.")
	}
	if id := params.Get(oauth2.ParamClientID); id != "" && id != client.ID {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'client_id' parameter does not match the authenticated client.")
	}

	dom, err := s.domains.Domain(client.Domain)
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to resolve domain %q: %w", client.Domain, err))
	}

	stored := make(url.Values, len(params)+1)
	for k, v := range params {
		stored[k] = append([]string(nil), v...)
	}
	stored.Set(oauth2.ParamClientID, client.ID)

	ttl := dom.PushedRequestTTL()
	now := s.now()
	rec := &storage.PushedAuthorizationRequest{
		ID:         uuid.NewString(),
		Domain:     client.Domain,
		ClientID:   client.ID,
		Parameters: stored,
		CreatedAt:  now,
		ExpireAt:   now.Add(ttl),
	}
	if err := s.repo.CreatePushedAuthorizationRequest(context.WithoutCancel(ctx), rec); err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to store pushed authorization request: %w", err))
	}

	logger.ForDomain(rec.Domain).Debug("pushed authorization request stored",
		"client_id", rec.ClientID,
		"request_id", rec.ID,
	)
	return &PushResult{
		RequestURI: RequestURIPrefix + rec.ID,
		ExpiresIn:  int64(ttl / time.Second),
	}, nil
}

// Consume dereferences requestURI for clientID, exactly once.
func (s *Service) Consume(ctx context.Context, requestURI, clientID string) (*storage.PushedAuthorizationRequest, error) {
	id, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok || id == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'request_uri' parameter is malformed.")
	}

	rec, err := s.repo.ConsumePushedAuthorizationRequest(context.WithoutCancel(ctx), id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fosite.ErrInvalidRequestURI.WithHint("The request_uri is unknown or has expired.")
	}
	if err != nil {
		return nil, oauth2.ServerError(fmt.Errorf("failed to consume pushed authorization request: %w", err))
	}

	if rec.ClientID != clientID {
		logger.ForDomain(rec.Domain).Warn("pushed authorization request used by another client",
			"request_id", rec.ID,
			"client_id", clientID,
		)
		return nil, fosite.ErrInvalidRequestURI.WithHint("The request_uri was pushed by another client.")
	}
	return rec, nil
}
