// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
)

func TestTokenStoreIssueResolve(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTokenRepo()
	store := auth.NewTokenStore(repo)

	t.Run("issued token resolves to its owner", func(t *testing.T) {
		token, err := store.Issue(ctx, auth.NamespaceSession, "owner-1", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		owner, err := store.Resolve(ctx, auth.NamespaceSession, token)
		require.NoError(t, err)
		assert.Equal(t, "owner-1", owner)
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		_, err := store.Issue(ctx, auth.NamespaceSession, "owner-1", 0, auth.IssueOptions{})
		assert.Error(t, err)
	})

	t.Run("unknown token is invalid", func(t *testing.T) {
		_, err := store.Resolve(ctx, auth.NamespaceSession, "never-issued")
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("empty token is invalid", func(t *testing.T) {
		_, err := store.Resolve(ctx, auth.NamespaceSession, "")
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("token does not resolve across namespaces", func(t *testing.T) {
		token, err := store.Issue(ctx, auth.NamespaceReset, "user@example.com", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		_, err = store.Resolve(ctx, auth.NamespaceSession, token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("expired token is indistinguishable from missing", func(t *testing.T) {
		token, err := store.Issue(ctx, auth.NamespaceSession, "owner-2", time.Millisecond, auth.IssueOptions{})
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		_, expiredErr := store.Resolve(ctx, auth.NamespaceSession, token)
		_, missingErr := store.Resolve(ctx, auth.NamespaceSession, "never-issued")
		assert.ErrorIs(t, expiredErr, auth.ErrInvalidToken)
		assert.ErrorIs(t, missingErr, auth.ErrInvalidToken)
	})
}

func TestTokenStoreSingleUseReplace(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTokenRepo()
	store := auth.NewTokenStore(repo)

	t.Run("reissue invalidates the prior reset token", func(t *testing.T) {
		first, err := store.Issue(ctx, auth.NamespaceReset, "user@example.com", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		second, err := store.Issue(ctx, auth.NamespaceReset, "user@example.com", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		_, err = store.Resolve(ctx, auth.NamespaceReset, first)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)

		owner, err := store.Resolve(ctx, auth.NamespaceReset, second)
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", owner)
	})

	t.Run("session namespace allows many concurrent tokens", func(t *testing.T) {
		_, err := store.Issue(ctx, auth.NamespaceSession, "owner-3", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)
		_, err = store.Issue(ctx, auth.NamespaceSession, "owner-3", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, repo.count(auth.NamespaceSession))
	})
}

func TestTokenStoreRevoke(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTokenRepo()
	store := auth.NewTokenStore(repo)

	t.Run("revoked token stops resolving", func(t *testing.T) {
		token, err := store.Issue(ctx, auth.NamespaceSession, "owner-1", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		require.NoError(t, store.Revoke(ctx, auth.NamespaceSession, token))

		_, err = store.Resolve(ctx, auth.NamespaceSession, token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		token, err := store.Issue(ctx, auth.NamespaceSession, "owner-1", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		require.NoError(t, store.Revoke(ctx, auth.NamespaceSession, token))
		assert.NoError(t, store.Revoke(ctx, auth.NamespaceSession, token))
	})

	t.Run("revoke all clears every token for the owner", func(t *testing.T) {
		tok1, err := store.Issue(ctx, auth.NamespaceSession, "owner-2", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)
		tok2, err := store.Issue(ctx, auth.NamespaceSession, "owner-2", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)
		other, err := store.Issue(ctx, auth.NamespaceSession, "owner-other", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		require.NoError(t, store.RevokeAllForOwner(ctx, auth.NamespaceSession, "owner-2"))

		_, err = store.Resolve(ctx, auth.NamespaceSession, tok1)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
		_, err = store.Resolve(ctx, auth.NamespaceSession, tok2)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)

		// Other owners are untouched.
		_, err = store.Resolve(ctx, auth.NamespaceSession, other)
		assert.NoError(t, err)
	})

	t.Run("revoke all except keeps the named token", func(t *testing.T) {
		keep, err := store.Issue(ctx, auth.NamespaceSession, "owner-3", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)
		drop, err := store.Issue(ctx, auth.NamespaceSession, "owner-3", time.Hour, auth.IssueOptions{})
		require.NoError(t, err)

		require.NoError(t, store.RevokeAllForOwnerExcept(ctx, auth.NamespaceSession, "owner-3", auth.HashToken(keep)))

		_, err = store.Resolve(ctx, auth.NamespaceSession, drop)
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
		_, err = store.Resolve(ctx, auth.NamespaceSession, keep)
		assert.NoError(t, err)
	})
}

func TestTokenStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTokenRepo()
	store := auth.NewTokenStore(repo)

	_, err := store.Issue(ctx, auth.NamespaceSession, "owner-1", time.Millisecond, auth.IssueOptions{})
	require.NoError(t, err)
	live, err := store.Issue(ctx, auth.NamespaceSession, "owner-1", time.Hour, auth.IssueOptions{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := store.PurgeExpired(ctx, auth.NamespaceSession)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Resolve(ctx, auth.NamespaceSession, live)
	assert.NoError(t, err)
}
