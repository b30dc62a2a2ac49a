// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"crypto/subtle"
	"regexp"

	"github.com/ory/fosite"
	xoauth2 "golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636 §4.2). An empty method means plain.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// verifierPattern is the RFC 7636 §4.1 code_verifier grammar.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ComputePKCEChallenge returns the S256 challenge of verifier.
func ComputePKCEChallenge(verifier string) string {
	return xoauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks verifier against the challenge stored with a code.
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fosite.ErrInvalidGrant.WithHint("The authorization code was not issued with a code_challenge.")
		}
		return nil
	}
	if verifier == "" {
		return fosite.ErrInvalidRequest.WithHint("The 'code_verifier' parameter is missing.")
	}
	if !verifierPattern.MatchString(verifier) {
		return fosite.ErrInvalidGrant.WithHint("The 'code_verifier' parameter is malformed.")
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = ComputePKCEChallenge(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return fosite.ErrInvalidGrant.WithHintf("Unsupported code_challenge_method '%s'.", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fosite.ErrInvalidGrant.WithHint("The 'code_verifier' does not match the code_challenge.")
	}
	return nil
}
