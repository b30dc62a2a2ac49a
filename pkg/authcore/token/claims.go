// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/stacklok/authcore/pkg/authcore/jwt"
)

// Standard OIDC scopes that release profile claims.
const (
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopeAddress = "address"
	ScopePhone   = "phone"
)

// scopeClaims lists the claims released by each standard scope
// (OIDC Core §5.4).
var scopeClaims = map[string][]string{
	ScopeProfile: {
		"name", "family_name", "given_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	ScopeEmail:   {"email", "email_verified"},
	ScopeAddress: {"address"},
	ScopePhone:   {"phone_number", "phone_number_verified"},
}

// MergeAbsent copies into dst every parameter of src that dst does not
// already carry. Values present in dst are never overwritten. A nil dst
// is allocated.
func MergeAbsent(dst, src url.Values) url.Values {
	if dst == nil {
		dst = make(url.Values, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; ok {
			continue
		}
		dst[k] = slices.Clone(v)
	}
	return dst
}

// setAbsent assigns claim unless it is already set.
func setAbsent(claims jwt.JWT, name string, value any) {
	if _, ok := claims[name]; ok {
		return
	}
	claims[name] = value
}

// ClaimRequest is one entry of the OIDC "claims" request parameter.
type ClaimRequest struct {
	Essential bool  `json:"essential,omitempty"`
	Value     any   `json:"value,omitempty"`
	Values    []any `json:"values,omitempty"`
}

// ClaimsRequest is the decoded OIDC "claims" parameter (OIDC Core §5.5).
type ClaimsRequest struct {
	Userinfo map[string]*ClaimRequest `json:"userinfo,omitempty"`
	IDToken  map[string]*ClaimRequest `json:"id_token,omitempty"`
}

// ParseClaimsRequest decodes the "claims" parameter. An empty string
// yields an empty request.
func ParseClaimsRequest(raw string) (*ClaimsRequest, error) {
	req := &ClaimsRequest{}
	if raw == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(raw), req); err != nil {
		return nil, fmt.Errorf("invalid claims parameter: %w", err)
	}
	return req, nil
}

// resolveRequested copies the requested claims the subject holds into
// claims, first-write-wins. It returns the essential claims the subject
// could not provide.
func resolveRequested(claims jwt.JWT, requested map[string]*ClaimRequest, subject map[string]any) []string {
	var missing []string
	for _, name := range slices.Sorted(maps.Keys(requested)) {
		v, ok := subject[name]
		if !ok {
			if r := requested[name]; r != nil && r.Essential {
				missing = append(missing, name)
			}
			continue
		}
		setAbsent(claims, name, v)
	}
	return missing
}

// applyScopeClaims copies the claims released by scopes, first-write-wins.
func applyScopeClaims(claims jwt.JWT, scopes []string, subject map[string]any) {
	for _, scope := range scopes {
		for _, name := range scopeClaims[scope] {
			if v, ok := subject[name]; ok {
				setAbsent(claims, name, v)
			}
		}
	}
}
