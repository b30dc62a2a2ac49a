// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grant dispatches token requests to the handler of their grant
// type and implements the built-in grants.
package grant

import (
	"context"
	"errors"
	"net/url"

	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/authcore/token"
)

// ErrUnknownSubject is returned by SubjectSource when the user no longer
// exists.
var ErrUnknownSubject = errors.New("unknown subject")

//go:generate mockgen -destination=mocks/mock_grant.go -package=mocks -source=types.go

// Handler issues a token for one grant type. Extension grants implement it.
type Handler interface {
	Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error)

// Grant implements Handler.
func (f HandlerFunc) Grant(ctx context.Context, req *oauth2.TokenRequest, client *oauth2.Client) (*oauth2.Token, error) {
	return f(ctx, req, client)
}

// Credentials are the resource owner credentials of a password grant.
type Credentials struct {
	Username string
	Password string

	// Parameters holds the remaining request parameters, for
	// authenticators that need more than a username and password.
	Parameters url.Values
}

// Authenticator verifies resource owner credentials. Any error is
// reported to the client as invalid_grant.
type Authenticator interface {
	Authenticate(ctx context.Context, client *oauth2.Client, credentials Credentials) (*oauth2.Subject, error)
}

// SubjectSource loads the current profile of a user by id, for grants
// that redeem an earlier authentication.
type SubjectSource interface {
	Subject(ctx context.Context, domain, id string) (*oauth2.Subject, error)
}

// Issuer creates tokens. *token.Factory implements it.
type Issuer interface {
	Create(ctx context.Context, req *oauth2.OAuth2Request, client *oauth2.Client, policy token.RefreshPolicy) (*oauth2.Token, error)
}

// CodeConsumer redeems authorization codes. *code.Service implements it.
type CodeConsumer interface {
	Consume(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error)
}

// TokenVerifier verifies a JWT issued by a deployed domain.
// *certs.Resolver implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw, fallbackDomain string) (jwt.JWT, error)
}
