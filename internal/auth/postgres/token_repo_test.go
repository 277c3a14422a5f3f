// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/postgres"
)

func newTokenMock(t *testing.T) (pgxmock.PgxPoolIface, *postgres.TokenRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return mock, postgres.NewTokenRepository(mock)
}

func testToken(ns auth.Namespace) *auth.Token {
	now := time.Now().UTC()
	return &auth.Token{
		Hash:      "deadbeef",
		Namespace: ns,
		OwnerKey:  "owner-1",
		UserAgent: "curl/8.0",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}
}

func TestTokenRepositoryInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("session tokens carry the user agent", func(t *testing.T) {
		mock, repo := newTokenMock(t)
		token := testToken(auth.NamespaceSession)

		mock.ExpectExec(`INSERT INTO sessions`).
			WithArgs(token.Hash, token.OwnerKey, token.UserAgent, token.ExpiresAt, token.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Insert(ctx, token))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reset tokens go to their own table", func(t *testing.T) {
		mock, repo := newTokenMock(t)
		token := testToken(auth.NamespaceReset)

		mock.ExpectExec(`INSERT INTO password_reset_tokens`).
			WithArgs(token.Hash, token.OwnerKey, token.ExpiresAt, token.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Insert(ctx, token))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown namespace is rejected", func(t *testing.T) {
		_, repo := newTokenMock(t)
		token := testToken("bogus")
		assert.Error(t, repo.Insert(ctx, token))
	})
}

func TestTokenRepositoryReplace(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes prior tokens and inserts in one transaction", func(t *testing.T) {
		mock, repo := newTokenMock(t)
		token := testToken(auth.NamespaceReset)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM password_reset_tokens WHERE owner_key`).
			WithArgs(token.OwnerKey).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`INSERT INTO password_reset_tokens`).
			WithArgs(token.Hash, token.OwnerKey, token.ExpiresAt, token.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Replace(ctx, token))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed insert rolls back", func(t *testing.T) {
		mock, repo := newTokenMock(t)
		token := testToken(auth.NamespaceVerification)

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM email_verification_tokens WHERE owner_key`).
			WithArgs(token.OwnerKey).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(`INSERT INTO email_verification_tokens`).
			WithArgs(token.Hash, token.OwnerKey, token.ExpiresAt, token.CreatedAt).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		require.Error(t, repo.Replace(ctx, token))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTokenRepositoryGetByHash(t *testing.T) {
	ctx := context.Background()

	t.Run("session row includes the user agent", func(t *testing.T) {
		mock, repo := newTokenMock(t)
		token := testToken(auth.NamespaceSession)

		rows := pgxmock.NewRows([]string{
			"token_hash", "owner_key", "user_agent", "expires_at", "created_at",
		}).AddRow(token.Hash, token.OwnerKey, token.UserAgent, token.ExpiresAt, token.CreatedAt)
		mock.ExpectQuery(`SELECT .+ FROM sessions`).
			WithArgs(token.Hash).
			WillReturnRows(rows)

		got, err := repo.GetByHash(ctx, auth.NamespaceSession, token.Hash)
		require.NoError(t, err)
		assert.Equal(t, token.OwnerKey, got.OwnerKey)
		assert.Equal(t, token.UserAgent, got.UserAgent)
	})

	t.Run("reset row omits the user agent", func(t *testing.T) {
		mock, repo := newTokenMock(t)
		token := testToken(auth.NamespaceReset)

		rows := pgxmock.NewRows([]string{
			"token_hash", "owner_key", "expires_at", "created_at",
		}).AddRow(token.Hash, token.OwnerKey, token.ExpiresAt, token.CreatedAt)
		mock.ExpectQuery(`SELECT .+ FROM password_reset_tokens`).
			WithArgs(token.Hash).
			WillReturnRows(rows)

		got, err := repo.GetByHash(ctx, auth.NamespaceReset, token.Hash)
		require.NoError(t, err)
		assert.Equal(t, token.OwnerKey, got.OwnerKey)
		assert.Empty(t, got.UserAgent)
	})

	t.Run("missing token is not found", func(t *testing.T) {
		mock, repo := newTokenMock(t)

		mock.ExpectQuery(`SELECT .+ FROM sessions`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetByHash(ctx, auth.NamespaceSession, "missing")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})
}

func TestTokenRepositoryDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("delete by hash", func(t *testing.T) {
		mock, repo := newTokenMock(t)

		mock.ExpectExec(`DELETE FROM sessions WHERE token_hash`).
			WithArgs("deadbeef").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		assert.NoError(t, repo.Delete(ctx, auth.NamespaceSession, "deadbeef"))
	})

	t.Run("deleting an absent token is fine", func(t *testing.T) {
		mock, repo := newTokenMock(t)

		mock.ExpectExec(`DELETE FROM sessions WHERE token_hash`).
			WithArgs("missing").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		assert.NoError(t, repo.Delete(ctx, auth.NamespaceSession, "missing"))
	})

	t.Run("delete by owner", func(t *testing.T) {
		mock, repo := newTokenMock(t)

		mock.ExpectExec(`DELETE FROM sessions WHERE owner_key`).
			WithArgs("owner-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))

		assert.NoError(t, repo.DeleteByOwner(ctx, auth.NamespaceSession, "owner-1"))
	})

	t.Run("delete by owner except kept hash", func(t *testing.T) {
		mock, repo := newTokenMock(t)

		mock.ExpectExec(`DELETE FROM sessions WHERE owner_key = \$1 AND token_hash <> \$2`).
			WithArgs("owner-1", "keep-me").
			WillReturnResult(pgxmock.NewResult("DELETE", 2))

		assert.NoError(t, repo.DeleteByOwnerExcept(ctx, auth.NamespaceSession, "owner-1", "keep-me"))
	})
}

func TestTokenRepositoryDeleteExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the purge count", func(t *testing.T) {
		mock, repo := newTokenMock(t)

		mock.ExpectExec(`DELETE FROM password_reset_tokens WHERE expires_at <=`).
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 7))

		count, err := repo.DeleteExpired(ctx, auth.NamespaceReset)
		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
	})

	t.Run("unknown namespace is rejected", func(t *testing.T) {
		_, repo := newTokenMock(t)
		_, err := repo.DeleteExpired(ctx, "bogus")
		assert.Error(t, err)
	})
}
