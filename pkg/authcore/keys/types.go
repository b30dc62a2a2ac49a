// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys holds the per-domain signing and verification credentials
// used by the token engine. Each domain deploys an immutable Snapshot of
// providers; redeploying replaces the snapshot wholesale.
package keys

import (
	"slices"
)

// Supported JWS algorithms.
const (
	RS256 = "RS256"
	RS384 = "RS384"
	RS512 = "RS512"
	PS256 = "PS256"
	PS384 = "PS384"
	PS512 = "PS512"
	ES256 = "ES256"
	ES384 = "ES384"
	ES512 = "ES512"
	EdDSA = "EdDSA"
	HS256 = "HS256"
	HS384 = "HS384"
	HS512 = "HS512"

	// None is the unsigned algorithm. Only the built-in provider uses it.
	None = "none"
)

// DefaultAlgorithm is used when generating a key without an explicit algorithm.
const DefaultAlgorithm = ES256

var (
	rsaAlgorithms   = []string{RS256, RS384, RS512, PS256, PS384, PS512}
	ecAlgorithms    = []string{ES256, ES384, ES512}
	hmacAlgorithms  = []string{HS256, HS384, HS512}
	supportedSigned = slices.Concat(rsaAlgorithms, ecAlgorithms, []string{EdDSA}, hmacAlgorithms)
)

// SupportedAlgorithms returns every signing algorithm a provider may use,
// excluding none.
func SupportedAlgorithms() []string {
	return slices.Clone(supportedSigned)
}

// IsSupported reports whether alg is an advertised signing algorithm.
func IsSupported(alg string) bool {
	return slices.Contains(supportedSigned, alg)
}

// IsSymmetric reports whether alg is an HMAC algorithm.
func IsSymmetric(alg string) bool {
	return slices.Contains(hmacAlgorithms, alg)
}

// Usage describes what a provider may be used for.
type Usage string

const (
	// UsageSign providers sign and verify.
	UsageSign Usage = "sign"

	// UsageVerify providers only verify, typically a key rotated out of
	// signing whose tokens are still live.
	UsageVerify Usage = "verify"
)
