// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"maps"
	"strings"
	"time"
)

// Claim names.
const (
	ClaimIssuer          = "iss"
	ClaimSubject         = "sub"
	ClaimAudience        = "aud"
	ClaimExpiresAt       = "exp"
	ClaimNotBefore       = "nbf"
	ClaimIssuedAt        = "iat"
	ClaimID              = "jti"
	ClaimClientID        = "client_id"
	ClaimScope           = "scope"
	ClaimDomain          = "domain"
	ClaimConfirmation    = "cnf"
	ClaimNonce           = "nonce"
	ClaimAuthTime        = "auth_time"
	ClaimAccessTokenHash = "at_hash"
	ClaimAuthorizedParty = "azp"
	ClaimTokenUse        = "token_use"
)

// JWT is a decoded claim set. Numeric claims are int64 when integral and
// float64 otherwise.
type JWT map[string]any

// Clone returns a shallow copy.
func (j JWT) Clone() JWT {
	return maps.Clone(j)
}

// String returns a string claim, or "" when absent or not a string.
func (j JWT) String(name string) string {
	s, _ := j[name].(string)
	return s
}

// Int64 returns an integer claim.
func (j JWT) Int64(name string) (int64, bool) {
	switch v := j[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Time returns a NumericDate claim.
func (j JWT) Time(name string) (time.Time, bool) {
	secs, ok := j.Int64(name)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func (j JWT) Issuer() string   { return j.String(ClaimIssuer) }
func (j JWT) Subject() string  { return j.String(ClaimSubject) }
func (j JWT) ID() string       { return j.String(ClaimID) }
func (j JWT) ClientID() string { return j.String(ClaimClientID) }
func (j JWT) Domain() string   { return j.String(ClaimDomain) }

// Audience returns "aud" in list form regardless of its wire shape.
func (j JWT) Audience() []string {
	switch v := j[ClaimAudience].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Scopes returns the space-delimited "scope" claim as a list.
func (j JWT) Scopes() []string {
	return strings.Fields(j.String(ClaimScope))
}

// Expired reports whether "exp" is at or before now. Tokens without "exp"
// never expire by this check.
func (j JWT) Expired(now time.Time) bool {
	exp, ok := j.Time(ClaimExpiresAt)
	return ok && !now.Before(exp)
}

// NotYetValid reports whether "nbf" is after now.
func (j JWT) NotYetValid(now time.Time) bool {
	nbf, ok := j.Time(ClaimNotBefore)
	return ok && now.Before(nbf)
}
