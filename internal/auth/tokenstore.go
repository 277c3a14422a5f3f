// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
)

// TokenStore issues, resolves, and revokes expiring opaque tokens on top of
// a TokenRepository. Session, reset, and verification tokens share the same
// mechanics and differ only by namespace.
type TokenStore struct {
	repo TokenRepository
}

// NewTokenStore creates a TokenStore.
func NewTokenStore(repo TokenRepository) *TokenStore {
	return &TokenStore{repo: repo}
}

// IssueOptions carries optional per-token metadata.
type IssueOptions struct {
	// UserAgent is recorded for session tokens only.
	UserAgent string
}

// Issue generates an opaque token for ownerKey with the given TTL and
// persists its hash. In single-use namespaces any outstanding token for the
// same owner is atomically replaced.
func (s *TokenStore) Issue(ctx context.Context, ns Namespace, ownerKey string, ttl time.Duration, opts IssueOptions) (string, error) {
	if ttl <= 0 {
		return "", oops.Code("TOKEN_INVALID_TTL").Errorf("ttl must be positive, got %s", ttl)
	}

	token, hash, err := GenerateToken()
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}

	record, err := NewToken(ns, ownerKey, hash, time.Now().Add(ttl))
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}
	record.UserAgent = opts.UserAgent

	if ns.SingleUse() {
		err = s.repo.Replace(ctx, record)
	} else {
		err = s.repo.Insert(ctx, record)
	}
	if err != nil {
		return "", oops.Code("TOKEN_ISSUE_FAILED").
			With("namespace", string(ns)).
			With("operation", "persist token").
			Wrap(err)
	}

	return token, nil
}

// Resolve looks up a plaintext token and returns its owner key. Missing and
// expired tokens both return ErrInvalidToken so callers cannot probe for
// token existence; expired rows are deleted opportunistically.
func (s *TokenStore) Resolve(ctx context.Context, ns Namespace, token string) (string, error) {
	if token == "" {
		return "", oops.Code("TOKEN_EMPTY").Wrap(ErrInvalidToken)
	}

	record, err := s.repo.GetByHash(ctx, ns, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", oops.Code("TOKEN_NOT_FOUND").Wrap(ErrInvalidToken)
		}
		return "", oops.Code("TOKEN_RESOLVE_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}

	if record.Expired() {
		// Logged distinctly for operators; callers see the same failure
		// as a token that never existed.
		slog.Debug("expired token resolved", "namespace", string(ns))
		if delErr := s.repo.Delete(ctx, ns, record.Hash); delErr != nil {
			slog.Warn("failed to delete expired token", "namespace", string(ns), "error", delErr)
		}
		return "", oops.Code("TOKEN_EXPIRED").Wrap(ErrInvalidToken)
	}

	return record.OwnerKey, nil
}

// ResolveSession looks up a session token and returns the full record so
// callers can read its expiry. Semantics match Resolve.
func (s *TokenStore) ResolveSession(ctx context.Context, token string) (*Token, error) {
	if token == "" {
		return nil, oops.Code("TOKEN_EMPTY").Wrap(ErrInvalidToken)
	}

	record, err := s.repo.GetByHash(ctx, NamespaceSession, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(ErrInvalidToken)
		}
		return nil, oops.Code("TOKEN_RESOLVE_FAILED").Wrap(err)
	}

	if record.Expired() {
		if delErr := s.repo.Delete(ctx, NamespaceSession, record.Hash); delErr != nil {
			slog.Warn("failed to delete expired session", "error", delErr)
		}
		return nil, oops.Code("TOKEN_EXPIRED").Wrap(ErrInvalidToken)
	}

	return record, nil
}

// Revoke deletes a token. Revoking a token that does not exist is not an
// error.
func (s *TokenStore) Revoke(ctx context.Context, ns Namespace, token string) error {
	if token == "" {
		return nil
	}
	if err := s.repo.Delete(ctx, ns, HashToken(token)); err != nil {
		return oops.Code("TOKEN_REVOKE_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return nil
}

// RevokeAllForOwner deletes every token an owner holds in a namespace.
// Backs logout-everywhere and password-change invalidation.
func (s *TokenStore) RevokeAllForOwner(ctx context.Context, ns Namespace, ownerKey string) error {
	if err := s.repo.DeleteByOwner(ctx, ns, ownerKey); err != nil {
		return oops.Code("TOKEN_REVOKE_ALL_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return nil
}

// RevokeAllForOwnerExcept deletes every token an owner holds in a
// namespace except the one whose hash is keepHash.
func (s *TokenStore) RevokeAllForOwnerExcept(ctx context.Context, ns Namespace, ownerKey, keepHash string) error {
	if err := s.repo.DeleteByOwnerExcept(ctx, ns, ownerKey, keepHash); err != nil {
		return oops.Code("TOKEN_REVOKE_ALL_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return nil
}

// PurgeExpired removes expired tokens from a namespace. Intended for a
// periodic maintenance task; resolution already treats expired as missing.
func (s *TokenStore) PurgeExpired(ctx context.Context, ns Namespace) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, ns)
	if err != nil {
		return 0, oops.Code("TOKEN_PURGE_FAILED").
			With("namespace", string(ns)).
			Wrap(err)
	}
	return n, nil
}
