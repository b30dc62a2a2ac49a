// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/stacklok/authcore/pkg/authcore/jwt"
	"github.com/stacklok/authcore/pkg/authcore/oauth2"
)

// ErrInvalidMapper is returned when a claim mapper cannot be compiled.
var ErrInvalidMapper = errors.New("invalid claim mapper")

// Variables visible to mapper expressions.
const (
	VarUser    = "user"
	VarClient  = "client"
	VarRequest = "request"
)

// newMapperEnv creates the CEL environment mapper expressions compile in.
// Each variable is a map[string]any.
func newMapperEnv() (*celgo.Env, error) {
	dynMap := celgo.MapType(celgo.StringType, celgo.DynType)
	return celgo.NewEnv(
		celgo.Variable(VarUser, dynMap),
		celgo.Variable(VarClient, dynMap),
		celgo.Variable(VarRequest, dynMap),
	)
}

// CELMapper assigns a claim from a CEL expression.
type CELMapper struct {
	claim      string
	expression string
	program    celgo.Program
}

// CompileMapper compiles expression into a mapper for claim.
func CompileMapper(claim, expression string) (*CELMapper, error) {
	if claim == "" {
		return nil, fmt.Errorf("%w: claim name is empty", ErrInvalidMapper)
	}
	if reserved(claim) {
		return nil, fmt.Errorf("%w: claim %q is reserved", ErrInvalidMapper, claim)
	}

	env, err := newMapperEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: claim %q: %w", ErrInvalidMapper, claim, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: claim %q: %w", ErrInvalidMapper, claim, err)
	}

	return &CELMapper{claim: claim, expression: expression, program: prg}, nil
}

// Claim implements oauth2.ClaimMapper.
func (m *CELMapper) Claim() string { return m.claim }

// Expression returns the source expression.
func (m *CELMapper) Expression() string { return m.expression }

// Evaluate implements oauth2.ClaimMapper.
func (m *CELMapper) Evaluate(vars map[string]any) (any, error) {
	out, _, err := m.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate claim %q: %w", m.claim, err)
	}
	return nativeValue(out)
}

func nativeValue(v ref.Val) (any, error) {
	switch val := v.(type) {
	case types.Null:
		return nil, nil
	case traits.Mapper:
		return val.ConvertToNative(reflect.TypeOf(map[string]any{}))
	case traits.Lister:
		return val.ConvertToNative(reflect.TypeOf([]any{}))
	default:
		return val.Value(), nil
	}
}

// reservedClaims are owned by the issuer and never mapped.
var reservedClaims = []string{
	jwt.ClaimIssuer, jwt.ClaimSubject, jwt.ClaimAudience, jwt.ClaimExpiresAt,
	jwt.ClaimNotBefore, jwt.ClaimIssuedAt, jwt.ClaimID, jwt.ClaimClientID,
	jwt.ClaimDomain, jwt.ClaimConfirmation, jwt.ClaimAccessTokenHash, jwt.ClaimTokenUse,
}

func reserved(claim string) bool {
	return slices.Contains(reservedClaims, claim)
}

var _ oauth2.ClaimMapper = (*CELMapper)(nil)
