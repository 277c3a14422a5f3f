// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/samber/oops"
)

// TokenBytes is the entropy of an opaque token (256 bits, URL-safe encoded).
const TokenBytes = 32

// Namespace scopes a token to one purpose. Tokens never cross namespaces.
type Namespace string

// Token namespaces.
const (
	// NamespaceSession holds login sessions; many may exist per user.
	NamespaceSession Namespace = "session"

	// NamespaceReset holds password-reset tokens, keyed by email.
	// Single-use: issuing a new one replaces any outstanding one.
	NamespaceReset Namespace = "reset"

	// NamespaceVerification holds email-verification tokens, keyed by user
	// ID. Single-use like NamespaceReset.
	NamespaceVerification Namespace = "verification"
)

// SingleUse reports whether issuing a token in this namespace invalidates
// any prior unconsumed token for the same owner.
func (n Namespace) SingleUse() bool {
	return n == NamespaceReset || n == NamespaceVerification
}

// Token is a persisted expiring token. Only the SHA-256 hash of the opaque
// value is stored; the plaintext exists solely in the bearer's hands.
type Token struct {
	Hash      string
	Namespace Namespace
	OwnerKey  string
	UserAgent string // session namespace only
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewToken creates a validated Token record.
func NewToken(ns Namespace, ownerKey, hash string, expiresAt time.Time) (*Token, error) {
	if ownerKey == "" {
		return nil, oops.Code("TOKEN_INVALID_OWNER").Errorf("owner key cannot be empty")
	}
	if hash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(time.Now()) {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}

	return &Token{
		Hash:      hash,
		Namespace: ns,
		OwnerKey:  ownerKey,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}, nil
}

// ExpiredAt reports whether the token is expired at the given instant.
// The boundary is inclusive: a token is invalid at exactly its expiry.
func (t *Token) ExpiredAt(at time.Time) bool {
	return !t.ExpiresAt.After(at)
}

// Expired reports whether the token is expired now.
func (t *Token) Expired() bool {
	return t.ExpiredAt(time.Now())
}

// GenerateToken creates an opaque random token and its storage hash.
// The plaintext is raw-URL base64 (link-safe); the hash is hex SHA-256.
func GenerateToken() (token, hash string, err error) {
	raw := make([]byte, TokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").
			With("requested_bytes", TokenBytes).
			Wrap(err)
	}

	token = base64.RawURLEncoding.EncodeToString(raw)
	hash = HashToken(token)

	return token, hash, nil
}

// HashToken computes the hex SHA-256 of a plaintext token. Storage and
// lookups operate on this value so a leaked table cannot mint sessions.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyTokenHash reports whether a plaintext token matches a stored hash
// using a constant-time comparison.
func VerifyTokenHash(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// TokenRepository manages token persistence across all namespaces.
type TokenRepository interface {
	// Insert stores a new token.
	Insert(ctx context.Context, token *Token) error

	// Replace atomically deletes any token for (namespace, owner) and
	// inserts the new one. Used by single-use namespaces so two valid
	// tokens for the same purpose never coexist.
	Replace(ctx context.Context, token *Token) error

	// GetByHash retrieves a token by namespace and hash.
	// Returns ErrNotFound if absent.
	GetByHash(ctx context.Context, ns Namespace, hash string) (*Token, error)

	// Delete removes a token by hash. Deleting an absent token is not an
	// error.
	Delete(ctx context.Context, ns Namespace, hash string) error

	// DeleteByOwner removes all tokens for an owner within a namespace.
	DeleteByOwner(ctx context.Context, ns Namespace, ownerKey string) error

	// DeleteByOwnerExcept removes all tokens for an owner within a
	// namespace except the one with keepHash. Backs the "revoke others
	// only" session policy.
	DeleteByOwnerExcept(ctx context.Context, ns Namespace, ownerKey, keepHash string) error

	// DeleteExpired removes expired tokens in a namespace and returns the
	// count of deleted records.
	DeleteExpired(ctx context.Context, ns Namespace) (int64, error)
}
