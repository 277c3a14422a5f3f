// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// TokenRepository implements auth.TokenRepository using PostgreSQL. Each
// namespace maps to its own table; only the session table carries client
// metadata.
type TokenRepository struct {
	pool poolIface
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(pool poolIface) *TokenRepository {
	return &TokenRepository{pool: pool}
}

// tableFor maps a namespace to its backing table.
func tableFor(ns auth.Namespace) (string, error) {
	switch ns {
	case auth.NamespaceSession:
		return "sessions", nil
	case auth.NamespaceReset:
		return "password_reset_tokens", nil
	case auth.NamespaceVerification:
		return "email_verification_tokens", nil
	default:
		return "", oops.Code("TOKEN_UNKNOWN_NAMESPACE").
			With("namespace", string(ns)).
			Errorf("no table for namespace %q", ns)
	}
}

// Insert stores a new token.
func (r *TokenRepository) Insert(ctx context.Context, token *auth.Token) error {
	table, err := tableFor(token.Namespace)
	if err != nil {
		return err
	}

	if token.Namespace == auth.NamespaceSession {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO sessions (token_hash, owner_key, user_agent, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, token.Hash, token.OwnerKey, token.UserAgent, token.ExpiresAt, token.CreatedAt)
	} else {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO `+table+` (token_hash, owner_key, expires_at, created_at)
			VALUES ($1, $2, $3, $4)
		`, token.Hash, token.OwnerKey, token.ExpiresAt, token.CreatedAt)
	}
	if err != nil {
		return oops.Code("TOKEN_INSERT_FAILED").
			With("operation", "insert token").
			With("namespace", string(token.Namespace)).
			Wrap(err)
	}
	return nil
}

// Replace atomically deletes any token for (namespace, owner) and inserts
// the new one. Both statements run in one transaction so two valid tokens
// for the same owner never coexist, even under concurrent requests.
func (r *TokenRepository) Replace(ctx context.Context, token *auth.Token) error {
	table, err := tableFor(token.Namespace)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TOKEN_REPLACE_FAILED").
			With("operation", "begin transaction").
			Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // Rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `
		DELETE FROM `+table+` WHERE owner_key = $1
	`, token.OwnerKey); err != nil {
		return oops.Code("TOKEN_REPLACE_FAILED").
			With("operation", "delete prior tokens").
			With("namespace", string(token.Namespace)).
			Wrap(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+table+` (token_hash, owner_key, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, token.Hash, token.OwnerKey, token.ExpiresAt, token.CreatedAt); err != nil {
		return oops.Code("TOKEN_REPLACE_FAILED").
			With("operation", "insert token").
			With("namespace", string(token.Namespace)).
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TOKEN_REPLACE_FAILED").
			With("operation", "commit transaction").
			Wrap(err)
	}
	return nil
}

// GetByHash retrieves a token by namespace and hash.
func (r *TokenRepository) GetByHash(ctx context.Context, ns auth.Namespace, hash string) (*auth.Token, error) {
	table, err := tableFor(ns)
	if err != nil {
		return nil, err
	}

	var row pgx.Row
	if ns == auth.NamespaceSession {
		row = r.pool.QueryRow(ctx, `
			SELECT token_hash, owner_key, user_agent, expires_at, created_at
			FROM sessions
			WHERE token_hash = $1
		`, hash)
	} else {
		row = r.pool.QueryRow(ctx, `
			SELECT token_hash, owner_key, expires_at, created_at
			FROM `+table+`
			WHERE token_hash = $1
		`, hash)
	}

	token, err := scanToken(row, ns)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TOKEN_NOT_FOUND").
			With("namespace", string(ns)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_GET_BY_HASH_FAILED").
			With("operation", "get token by hash").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return token, nil
}

// Delete removes a token by hash. Deleting an absent token is not an error.
func (r *TokenRepository) Delete(ctx context.Context, ns auth.Namespace, hash string) error {
	table, err := tableFor(ns)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `
		DELETE FROM `+table+` WHERE token_hash = $1
	`, hash); err != nil {
		return oops.Code("TOKEN_DELETE_FAILED").
			With("operation", "delete token").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return nil
}

// DeleteByOwner removes all tokens for an owner within a namespace.
func (r *TokenRepository) DeleteByOwner(ctx context.Context, ns auth.Namespace, ownerKey string) error {
	table, err := tableFor(ns)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `
		DELETE FROM `+table+` WHERE owner_key = $1
	`, ownerKey); err != nil {
		return oops.Code("TOKEN_DELETE_BY_OWNER_FAILED").
			With("operation", "delete tokens by owner").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return nil
}

// DeleteByOwnerExcept removes all tokens for an owner except keepHash.
func (r *TokenRepository) DeleteByOwnerExcept(ctx context.Context, ns auth.Namespace, ownerKey, keepHash string) error {
	table, err := tableFor(ns)
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `
		DELETE FROM `+table+` WHERE owner_key = $1 AND token_hash <> $2
	`, ownerKey, keepHash); err != nil {
		return oops.Code("TOKEN_DELETE_BY_OWNER_FAILED").
			With("operation", "delete tokens by owner except kept").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes expired tokens in a namespace and returns the count.
// The boundary is inclusive: a token expiring at exactly now is removed.
func (r *TokenRepository) DeleteExpired(ctx context.Context, ns auth.Namespace) (int64, error) {
	table, err := tableFor(ns)
	if err != nil {
		return 0, err
	}

	result, err := r.pool.Exec(ctx, `
		DELETE FROM `+table+` WHERE expires_at <= $1
	`, time.Now())
	if err != nil {
		return 0, oops.Code("TOKEN_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired tokens").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanToken scans a single row into a Token.
// Callers are responsible for handling pgx.ErrNoRows.
func scanToken(row pgx.Row, ns auth.Namespace) (*auth.Token, error) {
	var (
		hash      string
		ownerKey  string
		userAgent string
		expiresAt time.Time
		createdAt time.Time
	)

	var err error
	if ns == auth.NamespaceSession {
		err = row.Scan(&hash, &ownerKey, &userAgent, &expiresAt, &createdAt)
	} else {
		err = row.Scan(&hash, &ownerKey, &expiresAt, &createdAt)
	}
	if err != nil {
		// Propagate pgx.ErrNoRows unchanged for callers to handle with context.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("TOKEN_SCAN_FAILED").
			With("operation", "scan token").
			Wrap(err)
	}

	return &auth.Token{
		Hash:      hash,
		Namespace: ns,
		OwnerKey:  ownerKey,
		UserAgent: userAgent,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

// Compile-time interface check.
var _ auth.TokenRepository = (*TokenRepository)(nil)
