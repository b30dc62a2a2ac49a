// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"hash"
	"strings"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

// ConfirmationX5tS256 is the RFC 8705 certificate thumbprint member of "cnf".
const ConfirmationX5tS256 = "x5t#S256"

// CertificateThumbprintConfirmation returns the "cnf" value binding a token
// to the client certificate cert.
func CertificateThumbprintConfirmation(cert *x509.Certificate) map[string]any {
	sum := sha256.Sum256(cert.Raw)
	return map[string]any{
		ConfirmationX5tS256: base64.RawURLEncoding.EncodeToString(sum[:]),
	}
}

// AccessTokenHash computes the OIDC at_hash of accessToken for an ID token
// signed with alg: the left half of the hash, base64url encoded.
func AccessTokenHash(alg, accessToken string) string {
	var h hash.Hash
	switch {
	case alg == keys.EdDSA, strings.HasSuffix(alg, "512"):
		h = sha512.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	default:
		h = sha256.New()
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
