// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package cache provides session cache implementations: an in-process map
// for single-node deployments and a Redis-backed cache for deployments
// that share session state across nodes.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type memoryEntry struct {
	session   auth.CachedSession
	expiresAt time.Time
}

// Memory is an in-process auth.SessionCache. Writes are visible to
// concurrent readers as soon as they return. A per-user index supports
// bulk eviction on logout-everywhere and password change.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry            // token hash -> entry
	byUser  map[ulid.ULID]map[string]struct{} // user -> token hashes
	now     func() time.Time
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		byUser:  make(map[ulid.ULID]map[string]struct{}),
		now:     time.Now,
	}
}

// Get implements auth.SessionCache.
func (m *Memory) Get(_ context.Context, tokenHash string) (*auth.CachedSession, error) {
	m.mu.RLock()
	entry, ok := m.entries[tokenHash]
	m.mu.RUnlock()

	if !ok {
		return nil, auth.ErrCacheMiss
	}
	if !entry.expiresAt.After(m.now()) {
		// Lazily drop the dead entry; the caller sees a plain miss.
		m.mu.Lock()
		m.removeLocked(tokenHash, entry.session.UserID)
		m.mu.Unlock()
		return nil, auth.ErrCacheMiss
	}

	session := entry.session
	return &session, nil
}

// Set implements auth.SessionCache.
func (m *Memory) Set(_ context.Context, tokenHash string, session auth.CachedSession, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[tokenHash] = memoryEntry{
		session:   session,
		expiresAt: m.now().Add(ttl),
	}
	hashes, ok := m.byUser[session.UserID]
	if !ok {
		hashes = make(map[string]struct{})
		m.byUser[session.UserID] = hashes
	}
	hashes[tokenHash] = struct{}{}

	return nil
}

// Delete implements auth.SessionCache. Deleting an absent entry is a no-op.
func (m *Memory) Delete(_ context.Context, tokenHash string, userID ulid.ULID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(tokenHash, userID)
	return nil
}

// DeleteAllForUser implements auth.SessionCache.
func (m *Memory) DeleteAllForUser(_ context.Context, userID ulid.ULID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash := range m.byUser[userID] {
		delete(m.entries, hash)
	}
	delete(m.byUser, userID)
	return nil
}

// Len returns the number of live entries. Intended for tests and metrics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) removeLocked(tokenHash string, userID ulid.ULID) {
	delete(m.entries, tokenHash)
	if hashes, ok := m.byUser[userID]; ok {
		delete(hashes, tokenHash)
		if len(hashes) == 0 {
			delete(m.byUser, userID)
		}
	}
}

// Compile-time interface check.
var _ auth.SessionCache = (*Memory)(nil)
