// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts of the token engine and
// an in-memory implementation. Every single-use artifact is consumed with an
// atomic find-and-delete; adapters never expose a read-then-delete path.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// AuthorizationCode is a single-use code issued by the authorization endpoint.
type AuthorizationCode struct {
	ID       string
	Code     string
	Domain   string
	ClientID string
	Subject  string
	Scopes   []string

	// RedirectURI is empty when the authorization request carried none.
	RedirectURI string

	// Parameters are the original authorization request parameters.
	Parameters url.Values

	// CodeChallenge and CodeChallengeMethod are empty without PKCE.
	CodeChallenge       string
	CodeChallengeMethod string

	CreatedAt time.Time
	ExpireAt  time.Time
}

// PushedAuthorizationRequest is a stored RFC 9126 request.
type PushedAuthorizationRequest struct {
	ID         string
	Domain     string
	ClientID   string
	Parameters url.Values
	CreatedAt  time.Time
	ExpireAt   time.Time
}

// AccessToken is the persisted metadata of an issued access token, keyed by
// its jti.
type AccessToken struct {
	ID       string
	Domain   string
	ClientID string
	Subject  string
	Scopes   []string

	// RefreshTokenID is the jti of the refresh token issued alongside, used
	// to cascade revocation.
	RefreshTokenID string

	AuthorizationCode string
	CreatedAt         time.Time
	ExpireAt          time.Time
}

// RefreshToken is the persisted metadata of an issued refresh token, keyed
// by its jti.
type RefreshToken struct {
	ID                string
	Domain            string
	ClientID          string
	Subject           string
	Scopes            []string
	AuthorizationCode string
	CreatedAt         time.Time
	ExpireAt          time.Time
}

// expired reports whether a record with expireAt is no longer usable at now.
func expired(expireAt, now time.Time) bool {
	return !expireAt.IsZero() && !now.Before(expireAt)
}

// RejectExpired returns ErrExpired when a record named what, expiring at
// expireAt, is already expired at now. A zero expireAt never expires.
func RejectExpired(what string, expireAt, now time.Time) error {
	if expired(expireAt, now) {
		return fmt.Errorf("%w: %s", ErrExpired, what)
	}
	return nil
}

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage

// AuthorizationCodeRepository stores authorization codes.
type AuthorizationCodeRepository interface {
	// CreateAuthorizationCode stores a code. Returns ErrAlreadyExists when
	// the code value is taken and ErrExpired when ExpireAt has passed.
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically removes and returns a live code.
	// Of concurrent callers racing the same code exactly one succeeds; the
	// rest observe ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// PushedAuthorizationRequestRepository stores pushed authorization requests.
type PushedAuthorizationRequestRepository interface {
	// CreatePushedAuthorizationRequest stores a request. Returns ErrExpired
	// when ExpireAt has passed.
	CreatePushedAuthorizationRequest(ctx context.Context, par *PushedAuthorizationRequest) error

	// ConsumePushedAuthorizationRequest atomically removes and returns a
	// live request. Returns ErrNotFound when absent or expired.
	ConsumePushedAuthorizationRequest(ctx context.Context, id string) (*PushedAuthorizationRequest, error)
}

// AccessTokenRepository stores access token metadata.
type AccessTokenRepository interface {
	// CreateAccessToken stores a token, indexed by its refresh token when
	// set. Returns ErrExpired when ExpireAt has passed.
	CreateAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns a live token or ErrNotFound.
	GetAccessToken(ctx context.Context, id string) (*AccessToken, error)

	// DeleteAccessToken removes a token. Returns ErrNotFound when absent.
	DeleteAccessToken(ctx context.Context, id string) error

	// DeleteAccessTokensByRefreshToken removes every access token issued
	// with the given refresh token. Succeeds when there are none.
	DeleteAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) error
}

// RefreshTokenRepository stores refresh token metadata.
type RefreshTokenRepository interface {
	// CreateRefreshToken stores a token. Returns ErrExpired when ExpireAt
	// has passed.
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a live token or ErrNotFound.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically removes and returns a live token, for
	// rotation.
	ConsumeRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// DeleteRefreshToken removes a token. Returns ErrNotFound when absent.
	DeleteRefreshToken(ctx context.Context, id string) error
}

// Storage is the full persistence surface used by authcore.
type Storage interface {
	AuthorizationCodeRepository
	PushedAuthorizationRequestRepository
	AccessTokenRepository
	RefreshTokenRepository

	// Ping checks backend availability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
