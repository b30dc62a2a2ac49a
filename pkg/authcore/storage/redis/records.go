// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"net/url"
	"time"

	"github.com/stacklok/authcore/pkg/authcore/storage"
)

// Serializable forms of the storage records.

type storedCode struct {
	ID                  string              `json:"id"`
	Code                string              `json:"code"`
	Domain              string              `json:"domain"`
	ClientID            string              `json:"client_id"`
	Subject             string              `json:"subject,omitempty"`
	Scopes              []string            `json:"scopes,omitempty"`
	RedirectURI         string              `json:"redirect_uri,omitempty"`
	Parameters          map[string][]string `json:"parameters,omitempty"`
	CodeChallenge       string              `json:"code_challenge,omitempty"`
	CodeChallengeMethod string              `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	ExpireAt            time.Time           `json:"expire_at"`
}

func toStoredCode(c *storage.AuthorizationCode) storedCode {
	return storedCode{
		ID: c.ID, Code: c.Code, Domain: c.Domain, ClientID: c.ClientID, Subject: c.Subject,
		Scopes: c.Scopes, RedirectURI: c.RedirectURI, Parameters: c.Parameters,
		CodeChallenge: c.CodeChallenge, CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt: c.CreatedAt, ExpireAt: c.ExpireAt,
	}
}

func (s storedCode) record() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		ID: s.ID, Code: s.Code, Domain: s.Domain, ClientID: s.ClientID, Subject: s.Subject,
		Scopes: s.Scopes, RedirectURI: s.RedirectURI, Parameters: valuesOrNil(s.Parameters),
		CodeChallenge: s.CodeChallenge, CodeChallengeMethod: s.CodeChallengeMethod,
		CreatedAt: s.CreatedAt, ExpireAt: s.ExpireAt,
	}
}

type storedPAR struct {
	ID         string              `json:"id"`
	Domain     string              `json:"domain"`
	ClientID   string              `json:"client_id"`
	Parameters map[string][]string `json:"parameters,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpireAt   time.Time           `json:"expire_at"`
}

func toStoredPAR(p *storage.PushedAuthorizationRequest) storedPAR {
	return storedPAR{
		ID: p.ID, Domain: p.Domain, ClientID: p.ClientID, Parameters: p.Parameters,
		CreatedAt: p.CreatedAt, ExpireAt: p.ExpireAt,
	}
}

func (s storedPAR) record() *storage.PushedAuthorizationRequest {
	return &storage.PushedAuthorizationRequest{
		ID: s.ID, Domain: s.Domain, ClientID: s.ClientID, Parameters: valuesOrNil(s.Parameters),
		CreatedAt: s.CreatedAt, ExpireAt: s.ExpireAt,
	}
}

type storedToken struct {
	ID                string    `json:"id"`
	Domain            string    `json:"domain"`
	ClientID          string    `json:"client_id"`
	Subject           string    `json:"subject,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
	RefreshTokenID    string    `json:"refresh_token_id,omitempty"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ExpireAt          time.Time `json:"expire_at"`
}

func fromAccess(t *storage.AccessToken) storedToken {
	return storedToken{
		ID: t.ID, Domain: t.Domain, ClientID: t.ClientID, Subject: t.Subject, Scopes: t.Scopes,
		RefreshTokenID: t.RefreshTokenID, AuthorizationCode: t.AuthorizationCode,
		CreatedAt: t.CreatedAt, ExpireAt: t.ExpireAt,
	}
}

func (s storedToken) access() *storage.AccessToken {
	return &storage.AccessToken{
		ID: s.ID, Domain: s.Domain, ClientID: s.ClientID, Subject: s.Subject, Scopes: s.Scopes,
		RefreshTokenID: s.RefreshTokenID, AuthorizationCode: s.AuthorizationCode,
		CreatedAt: s.CreatedAt, ExpireAt: s.ExpireAt,
	}
}

func fromRefresh(t *storage.RefreshToken) storedToken {
	return storedToken{
		ID: t.ID, Domain: t.Domain, ClientID: t.ClientID, Subject: t.Subject, Scopes: t.Scopes,
		AuthorizationCode: t.AuthorizationCode, CreatedAt: t.CreatedAt, ExpireAt: t.ExpireAt,
	}
}

func (s storedToken) refresh() *storage.RefreshToken {
	return &storage.RefreshToken{
		ID: s.ID, Domain: s.Domain, ClientID: s.ClientID, Subject: s.Subject, Scopes: s.Scopes,
		AuthorizationCode: s.AuthorizationCode, CreatedAt: s.CreatedAt, ExpireAt: s.ExpireAt,
	}
}

func valuesOrNil(m map[string][]string) url.Values {
	if m == nil {
		return nil
	}
	return url.Values(m)
}
