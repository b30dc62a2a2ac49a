// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Storage on an embedded SQLite database.
// Single-use records are consumed with DELETE ... RETURNING so the lookup
// and the removal are one statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ory/fosite"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/authcore/pkg/authcore/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// busyTimeoutMillis bounds how long a writer waits on the database lock.
const busyTimeoutMillis = 5000

// Storage implements storage.Storage using SQLite.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the time source used for expiry filtering.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers in process; busy_timeout covers
	// other processes sharing the file.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Storage{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

var _ storage.Storage = (*Storage)(nil)

func (s *Storage) nowMillis() int64 {
	return s.now().UnixMilli()
}

// DeleteExpired removes every expired record. Reads already ignore expired
// rows; this only reclaims space.
func (s *Storage) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	var total int64
	for _, table := range []string{
		"authorization_codes", "pushed_authorization_requests", "access_tokens", "refresh_tokens",
	} {
		// #nosec G202 - table names are constants
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expire_at IS NOT NULL AND expire_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("deleting expired %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		logger.Debugw("deleted expired records", "count", total)
	}
	return total, nil
}

// -----------------------
// AuthorizationCodeRepository
// -----------------------

const codeColumns = `id, code, domain, client_id, subject, scopes, redirect_uri, parameters,
			code_challenge, code_challenge_method, created_at, expire_at`

// CreateAuthorizationCode implements storage.AuthorizationCodeRepository.
func (s *Storage) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if err := storage.RejectExpired("authorization code", code.ExpireAt, s.now()); err != nil {
		return err
	}
	scopes, err := encodeJSON(code.Scopes)
	if err != nil {
		return err
	}
	params, err := storage.MarshalParameters(code.Parameters)
	if err != nil {
		return fmt.Errorf("marshaling parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// An expired row with the same code no longer blocks reuse of the value.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE code = ? AND expire_at IS NOT NULL AND expire_at <= ?`,
		code.Code, s.nowMillis(),
	); err != nil {
		return fmt.Errorf("clearing expired authorization code: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO authorization_codes (`+codeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.Code, code.Domain, code.ClientID, code.Subject, scopes, code.RedirectURI,
		string(params), code.CodeChallenge, code.CodeChallengeMethod,
		code.CreatedAt.UnixMilli(), nullableMillis(code.ExpireAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode implements storage.AuthorizationCodeRepository.
func (s *Storage) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM authorization_codes
		WHERE code = ? AND (expire_at IS NULL OR expire_at > ?)
		RETURNING `+codeColumns,
		code, s.nowMillis(),
	)

	var (
		rec            storage.AuthorizationCode
		scopes, params string
		created        int64
		expire         sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Code, &rec.Domain, &rec.ClientID, &rec.Subject, &scopes,
		&rec.RedirectURI, &params, &rec.CodeChallenge, &rec.CodeChallengeMethod, &created, &expire)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if rec.Scopes, err = decodeJSON(scopes); err != nil {
		return nil, err
	}
	if rec.Parameters, err = storage.UnmarshalParameters([]byte(params)); err != nil {
		return nil, fmt.Errorf("unmarshaling parameters: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpireAt = fromNullableMillis(expire)
	return &rec, nil
}

// -----------------------
// PushedAuthorizationRequestRepository
// -----------------------

// CreatePushedAuthorizationRequest implements storage.PushedAuthorizationRequestRepository.
func (s *Storage) CreatePushedAuthorizationRequest(ctx context.Context, par *storage.PushedAuthorizationRequest) error {
	if par == nil || par.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("pushed authorization request id cannot be empty")
	}
	if err := storage.RejectExpired("pushed authorization request", par.ExpireAt, s.now()); err != nil {
		return err
	}
	params, err := storage.MarshalParameters(par.Parameters)
	if err != nil {
		return fmt.Errorf("marshaling parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO pushed_authorization_requests
		(id, domain, client_id, parameters, created_at, expire_at) VALUES (?, ?, ?, ?, ?, ?)`,
		par.ID, par.Domain, par.ClientID, string(params), par.CreatedAt.UnixMilli(), nullableMillis(par.ExpireAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: pushed authorization request", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting pushed authorization request: %w", err)
	}
	return nil
}

// ConsumePushedAuthorizationRequest implements storage.PushedAuthorizationRequestRepository.
func (s *Storage) ConsumePushedAuthorizationRequest(ctx context.Context, id string) (*storage.PushedAuthorizationRequest, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM pushed_authorization_requests
		WHERE id = ? AND (expire_at IS NULL OR expire_at > ?)
		RETURNING id, domain, client_id, parameters, created_at, expire_at`,
		id, s.nowMillis(),
	)

	var (
		rec     storage.PushedAuthorizationRequest
		params  string
		created int64
		expire  sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Domain, &rec.ClientID, &params, &created, &expire); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", storage.ErrNotFound,
				fosite.ErrNotFound.WithHint("Pushed authorization request not found"))
		}
		return nil, fmt.Errorf("consuming pushed authorization request: %w", err)
	}

	var err error
	if rec.Parameters, err = storage.UnmarshalParameters([]byte(params)); err != nil {
		return nil, fmt.Errorf("unmarshaling parameters: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpireAt = fromNullableMillis(expire)
	return &rec, nil
}

// -----------------------
// AccessTokenRepository
// -----------------------

// CreateAccessToken implements storage.AccessTokenRepository.
func (s *Storage) CreateAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("access token id cannot be empty")
	}
	if err := storage.RejectExpired("access token", token.ExpireAt, s.now()); err != nil {
		return err
	}
	scopes, err := encodeJSON(token.Scopes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO access_tokens
		(id, domain, client_id, subject, scopes, refresh_token_id, authorization_code, created_at, expire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.Domain, token.ClientID, token.Subject, scopes, token.RefreshTokenID,
		token.AuthorizationCode, token.CreatedAt.UnixMilli(), nullableMillis(token.ExpireAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}
	return nil
}

// GetAccessToken implements storage.AccessTokenRepository.
func (s *Storage) GetAccessToken(ctx context.Context, id string) (*storage.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, domain, client_id, subject, scopes, refresh_token_id,
			authorization_code, created_at, expire_at
		FROM access_tokens WHERE id = ? AND (expire_at IS NULL OR expire_at > ?)`,
		id, s.nowMillis(),
	)

	var (
		rec     storage.AccessToken
		scopes  string
		created int64
		expire  sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Domain, &rec.ClientID, &rec.Subject, &scopes, &rec.RefreshTokenID,
		&rec.AuthorizationCode, &created, &expire)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return nil, fmt.Errorf("getting access token: %w", err)
	}
	if rec.Scopes, err = decodeJSON(scopes); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpireAt = fromNullableMillis(expire)
	return &rec, nil
}

// DeleteAccessToken implements storage.AccessTokenRepository.
func (s *Storage) DeleteAccessToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	return nil
}

// DeleteAccessTokensByRefreshToken implements storage.AccessTokenRepository.
func (s *Storage) DeleteAccessTokensByRefreshToken(ctx context.Context, refreshTokenID string) error {
	if refreshTokenID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE refresh_token_id = ?`, refreshTokenID); err != nil {
		return fmt.Errorf("deleting access tokens by refresh token: %w", err)
	}
	return nil
}

// -----------------------
// RefreshTokenRepository
// -----------------------

const refreshColumns = `id, domain, client_id, subject, scopes, authorization_code, created_at, expire_at`

// CreateRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token id cannot be empty")
	}
	if err := storage.RejectExpired("refresh token", token.ExpireAt, s.now()); err != nil {
		return err
	}
	scopes, err := encodeJSON(token.Scopes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO refresh_tokens (`+refreshColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.Domain, token.ClientID, token.Subject, scopes, token.AuthorizationCode,
		token.CreatedAt.UnixMilli(), nullableMillis(token.ExpireAt),
	)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refreshColumns+`
		FROM refresh_tokens WHERE id = ? AND (expire_at IS NULL OR expire_at > ?)`,
		id, s.nowMillis(),
	)
	return scanRefresh(row)
}

// ConsumeRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) ConsumeRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM refresh_tokens
		WHERE id = ? AND (expire_at IS NULL OR expire_at > ?)
		RETURNING `+refreshColumns,
		id, s.nowMillis(),
	)
	return scanRefresh(row)
}

// DeleteRefreshToken implements storage.RefreshTokenRepository.
func (s *Storage) DeleteRefreshToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return nil
}

func scanRefresh(row *sql.Row) (*storage.RefreshToken, error) {
	var (
		rec     storage.RefreshToken
		scopes  string
		created int64
		expire  sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Domain, &rec.ClientID, &rec.Subject, &scopes, &rec.AuthorizationCode,
		&created, &expire)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}
	if rec.Scopes, err = decodeJSON(scopes); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpireAt = fromNullableMillis(expire)
	return &rec, nil
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullableMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// encodeJSON marshals a string slice for a TEXT column.
func encodeJSON(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeJSON unmarshals a TEXT column into a string slice.
func decodeJSON(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

// isConstraintViolation checks for a SQLite UNIQUE or PRIMARY KEY violation.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
