// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultSessionTTL is how long a login persists unless configured.
const DefaultSessionTTL = 60 * 24 * time.Hour // 60 days

// ErrCacheMiss is returned by SessionCache implementations when a token
// hash has no cached entry.
var ErrCacheMiss = errors.New("cache miss")

// CachedSession is the cache-resident projection of a session.
type CachedSession struct {
	UserID    ulid.ULID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionCache is a read-mostly lookup keyed by session token hash.
// Implementations must make writes (Set/Delete/DeleteAllForUser) visible
// before returning, so a concurrent Validate never sees a revoked session
// as live. Satisfied by cache.Memory and cache.Redis.
type SessionCache interface {
	// Get retrieves a cached session. Returns ErrCacheMiss if absent.
	Get(ctx context.Context, tokenHash string) (*CachedSession, error)

	// Set caches a session with the given TTL and indexes it by user for
	// bulk eviction.
	Set(ctx context.Context, tokenHash string, session CachedSession, ttl time.Duration) error

	// Delete evicts one session and its user-index entry.
	Delete(ctx context.Context, tokenHash string, userID ulid.ULID) error

	// DeleteAllForUser evicts every cached session for a user.
	DeleteAllForUser(ctx context.Context, userID ulid.ULID) error
}

// ClientMeta carries optional transport-level session metadata.
type ClientMeta struct {
	UserAgent string
}

// SessionManager issues, validates, and revokes login sessions.
// State machine per session: Created -> Active -> {Revoked | Expired};
// no transition leaves a terminal state.
type SessionManager struct {
	tokens *TokenStore
	users  UserRepository
	cache  SessionCache
	ttl    time.Duration
}

// NewSessionManager creates a SessionManager. ttl <= 0 selects
// DefaultSessionTTL.
func NewSessionManager(tokens *TokenStore, users UserRepository, cache SessionCache, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		tokens: tokens,
		users:  users,
		cache:  cache,
		ttl:    ttl,
	}
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Login issues a new session token for the user and primes the cache.
func (m *SessionManager) Login(ctx context.Context, userID ulid.ULID, meta ClientMeta) (string, error) {
	token, err := m.tokens.Issue(ctx, NamespaceSession, userID.String(), m.ttl, IssueOptions{
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		return "", oops.Code("SESSION_CREATE_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}

	// Cache priming is best effort; the store is the source of truth.
	expiresAt := time.Now().Add(m.ttl)
	if cacheErr := m.cache.Set(ctx, HashToken(token), CachedSession{
		UserID:    userID,
		ExpiresAt: expiresAt,
	}, m.ttl); cacheErr != nil {
		slog.Warn("failed to prime session cache", "error", cacheErr)
	}

	return token, nil
}

// Validate resolves a session token to its user. Cache first, store on
// miss with cache repopulation. Missing, expired, and revoked sessions all
// return ErrUnauthenticated; Validate never panics on bad input.
func (m *SessionManager) Validate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, oops.Code("SESSION_TOKEN_EMPTY").Wrap(ErrUnauthenticated)
	}

	tokenHash := HashToken(token)

	cached, err := m.cache.Get(ctx, tokenHash)
	if err == nil {
		// Cache entries outlive nothing: TTLs match the store row. The
		// expiry check still runs so a stale entry cannot extend a session.
		if !cached.ExpiresAt.After(time.Now()) {
			if delErr := m.cache.Delete(ctx, tokenHash, cached.UserID); delErr != nil {
				slog.Warn("failed to evict expired cached session", "error", delErr)
			}
			return nil, oops.Code("SESSION_EXPIRED").Wrap(ErrUnauthenticated)
		}
		return m.loadUser(ctx, cached.UserID)
	}
	if !errors.Is(err, ErrCacheMiss) {
		// Cache infrastructure failure: fall through to the store.
		slog.Error("session cache lookup failed, falling back to store", "error", err)
	}

	record, err := m.tokens.ResolveSession(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, oops.Code("SESSION_INVALID").Wrap(ErrUnauthenticated)
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").Wrap(err)
	}

	userID, err := ulid.Parse(record.OwnerKey)
	if err != nil {
		return nil, oops.Code("SESSION_CORRUPT_OWNER").
			With("owner_key", record.OwnerKey).
			Wrap(err)
	}

	if ttl := time.Until(record.ExpiresAt); ttl > 0 {
		if cacheErr := m.cache.Set(ctx, tokenHash, CachedSession{
			UserID:    userID,
			ExpiresAt: record.ExpiresAt,
		}, ttl); cacheErr != nil {
			slog.Warn("failed to repopulate session cache", "error", cacheErr)
		}

		// Re-check the store after the cache write. A revocation running
		// between the store read and the write has already evicted this
		// hash, so the entry just written would bring a dead session back.
		// Revocation deletes store rows before touching the cache, which
		// makes this read decisive: if the row is still present, any
		// in-flight eviction lands after our write and removes it.
		if _, recheckErr := m.tokens.ResolveSession(ctx, token); recheckErr != nil {
			if delErr := m.cache.Delete(ctx, tokenHash, userID); delErr != nil {
				slog.Warn("failed to evict repopulated session", "error", delErr)
			}
			if errors.Is(recheckErr, ErrInvalidToken) {
				return nil, oops.Code("SESSION_INVALID").Wrap(ErrUnauthenticated)
			}
			return nil, oops.Code("SESSION_VALIDATE_FAILED").Wrap(recheckErr)
		}
	}

	return m.loadUser(ctx, userID)
}

// Logout revokes a single session. The store row is deleted before the
// cache entry: a Validate racing this call either fails its post-write
// store re-check or writes the cache before our eviction removes it, so
// the session cannot validate once Logout returns.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	tokenHash := HashToken(token)

	if err := m.tokens.Revoke(ctx, NamespaceSession, token); err != nil {
		return oops.Code("SESSION_LOGOUT_FAILED").Wrap(err)
	}

	if cached, err := m.cache.Get(ctx, tokenHash); err == nil {
		if delErr := m.cache.Delete(ctx, tokenHash, cached.UserID); delErr != nil {
			return oops.Code("SESSION_CACHE_EVICT_FAILED").Wrap(delErr)
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		return oops.Code("SESSION_CACHE_EVICT_FAILED").Wrap(err)
	}

	return nil
}

// RevokeAll revokes every session the user holds, store rows first, then
// the cache. After it returns, no previously issued token for the user
// validates, even against a Validate that was mid-flight repopulating the
// cache: that Validate re-checks the store after its write.
func (m *SessionManager) RevokeAll(ctx context.Context, userID ulid.ULID) error {
	if err := m.tokens.RevokeAllForOwner(ctx, NamespaceSession, userID.String()); err != nil {
		return oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}

	if err := m.cache.DeleteAllForUser(ctx, userID); err != nil {
		return oops.Code("SESSION_CACHE_EVICT_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}

	return nil
}

// RevokeOthers revokes every session except the one presented. Backs the
// "revoke others only" password-change policy. The cache is cleared
// wholesale and the kept session is re-primed from the store.
func (m *SessionManager) RevokeOthers(ctx context.Context, userID ulid.ULID, keepToken string) error {
	if keepToken == "" {
		return m.RevokeAll(ctx, userID)
	}

	keepHash := HashToken(keepToken)
	if err := m.tokens.RevokeAllForOwnerExcept(ctx, NamespaceSession, userID.String(), keepHash); err != nil {
		return oops.Code("SESSION_REVOKE_OTHERS_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}

	// Same ordering as RevokeAll: store rows are gone before the cache is
	// cleared.
	if err := m.cache.DeleteAllForUser(ctx, userID); err != nil {
		return oops.Code("SESSION_CACHE_EVICT_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}

	// Best effort: the next Validate repopulates the cache on miss anyway.
	if record, err := m.tokens.ResolveSession(ctx, keepToken); err == nil {
		if ttl := time.Until(record.ExpiresAt); ttl > 0 {
			if cacheErr := m.cache.Set(ctx, keepHash, CachedSession{
				UserID:    userID,
				ExpiresAt: record.ExpiresAt,
			}, ttl); cacheErr != nil {
				slog.Warn("failed to re-prime kept session", "error", cacheErr)
			}
			// Same write-then-recheck discipline as Validate, so a
			// revocation racing the re-prime cannot leave a stale entry.
			if _, recheckErr := m.tokens.ResolveSession(ctx, keepToken); recheckErr != nil {
				if delErr := m.cache.Delete(ctx, keepHash, userID); delErr != nil {
					slog.Warn("failed to evict re-primed session", "error", delErr)
				}
			}
		}
	}

	return nil
}

func (m *SessionManager) loadUser(ctx context.Context, userID ulid.ULID) (*User, error) {
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Session outlived its user; present as unauthenticated.
			return nil, oops.Code("SESSION_ORPHANED").Wrap(ErrUnauthenticated)
		}
		return nil, oops.Code("SESSION_USER_LOAD_FAILED").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return user, nil
}
