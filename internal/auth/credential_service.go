// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// RevocationPolicy selects which sessions survive a password change.
type RevocationPolicy string

// Password-change session revocation policies.
const (
	// RevokeAll invalidates every session, including the caller's.
	// The safer default: the user must log in again.
	RevokeAll RevocationPolicy = "revoke-all"

	// RevokeOthers keeps the session that performed the change.
	RevokeOthers RevocationPolicy = "revoke-others"
)

// Valid reports whether the policy is a known value.
func (p RevocationPolicy) Valid() bool {
	return p == RevokeAll || p == RevokeOthers
}

// Profile carries optional registration fields.
type Profile struct {
	DisplayName string
}

// CredentialService orchestrates registration, login, and password change.
type CredentialService struct {
	users    UserRepository
	sessions *SessionManager
	hasher   PasswordHasher
	policy   RevocationPolicy

	// dummyHash is verified against when a user doesn't exist so the
	// missing-user and wrong-password paths take the same time. It comes
	// from the live hasher, so it carries the configured KDF parameters;
	// the hashed value is random and discarded, matching no password.
	dummyHash string
}

// NewCredentialService creates a CredentialService. An empty policy
// defaults to RevokeAll.
func NewCredentialService(users UserRepository, sessions *SessionManager, hasher PasswordHasher, policy RevocationPolicy) (*CredentialService, error) {
	if policy == "" {
		policy = RevokeAll
	}
	if !policy.Valid() {
		return nil, oops.Code("AUTH_INVALID_POLICY").Errorf("unknown revocation policy %q", policy)
	}

	throwaway, _, err := GenerateToken()
	if err != nil {
		return nil, oops.Code("AUTH_INIT_FAILED").
			With("operation", "generate dummy credential").
			Wrap(err)
	}
	dummyHash, err := hasher.Hash(throwaway)
	if err != nil {
		return nil, oops.Code("AUTH_INIT_FAILED").
			With("operation", "hash dummy credential").
			Wrap(err)
	}

	return &CredentialService{
		users:     users,
		sessions:  sessions,
		hasher:    hasher,
		policy:    policy,
		dummyHash: dummyHash,
	}, nil
}

// Policy returns the configured revocation policy.
func (s *CredentialService) Policy() RevocationPolicy {
	return s.policy
}

// Register creates a user from a normalized email and hashed password, then
// issues a first session. The duplicate-email check and the insert are a
// single atomic operation in the repository (unique index), so two
// concurrent registrations cannot both succeed.
func (s *CredentialService) Register(ctx context.Context, email, password string, profile Profile, meta ClientMeta) (*User, string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, "", err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return nil, "", err
		}
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(normalized, hash, profile.DisplayName)
	if err != nil {
		return nil, "", err
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, "", err
		}
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create user").
			Wrap(err)
	}

	token, err := s.sessions.Login(ctx, user.ID, meta)
	if err != nil {
		return nil, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "issue session").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	return user, token, nil
}

// Login authenticates by email and password and issues a session token.
// Unknown email and wrong password return an identical error, and the
// unknown-email path still runs a full KDF verification against a dummy
// record so the two cases do not differ in timing.
func (s *CredentialService) Login(ctx context.Context, email, password string, meta ClientMeta) (string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		// Still burn a verification so malformed emails don't return
		// faster than unknown ones.
		s.hasher.Verify(password, s.dummyHash)
		return "", oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	user, lookupErr := s.users.GetByEmail(ctx, normalized)

	targetHash := s.dummyHash
	userExists := false
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return "", oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "get user by email").
				Wrap(lookupErr)
		}
	} else {
		targetHash = user.PasswordHash
		userExists = true
	}

	valid := s.hasher.Verify(password, targetHash)
	if !userExists || !valid {
		return "", oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	// Transparent cost upgrade when the stored record predates the current
	// parameters. Login succeeds regardless of the update's outcome.
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			_ = s.users.UpdatePassword(ctx, user.ID, newHash) //nolint:errcheck // Best effort
		}
	}

	token, err := s.sessions.Login(ctx, user.ID, meta)
	if err != nil {
		return "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue session").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	return token, nil
}

// ChangePassword re-verifies the old password, persists the new hash, and
// revokes sessions according to the configured policy. currentToken is the
// session performing the change; it survives only under RevokeOthers.
func (s *CredentialService) ChangePassword(ctx context.Context, userID ulid.ULID, oldPassword, newPassword, currentToken string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
		}
		return oops.Code("AUTH_PASSWORD_CHANGE_FAILED").
			With("operation", "get user").
			Wrap(err)
	}

	if !s.hasher.Verify(oldPassword, user.PasswordHash) {
		return oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return err
		}
		return oops.Code("AUTH_PASSWORD_CHANGE_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := s.users.UpdatePassword(ctx, userID, newHash); err != nil {
		return oops.Code("AUTH_PASSWORD_CHANGE_FAILED").
			With("operation", "update password").
			With("user_id", userID.String()).
			Wrap(err)
	}

	if s.policy == RevokeOthers {
		return s.sessions.RevokeOthers(ctx, userID, currentToken)
	}
	return s.sessions.RevokeAll(ctx, userID)
}
