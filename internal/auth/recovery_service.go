// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Default single-use token lifetimes.
const (
	DefaultResetTTL  = 24 * time.Hour
	DefaultVerifyTTL = 24 * time.Hour
)

// Notifier delivers transactional messages. Delivery is fire-and-forget
// from the flows' perspective: a failed send is logged and never rolls back
// token issuance. Satisfied by mail.SMTPMailer and mail.NopMailer.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// RecoveryConfig tunes the recovery flows.
type RecoveryConfig struct {
	ResetTTL  time.Duration
	VerifyTTL time.Duration

	// BaseURL prefixes the links placed in outbound messages,
	// e.g. "https://example.com".
	BaseURL string
}

// RecoveryService orchestrates password reset and email verification.
type RecoveryService struct {
	users    UserRepository
	tokens   *TokenStore
	sessions *SessionManager
	hasher   PasswordHasher
	notifier Notifier
	cfg      RecoveryConfig
}

// NewRecoveryService creates a RecoveryService, defaulting zero TTLs.
func NewRecoveryService(users UserRepository, tokens *TokenStore, sessions *SessionManager, hasher PasswordHasher, notifier Notifier, cfg RecoveryConfig) *RecoveryService {
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	if cfg.VerifyTTL <= 0 {
		cfg.VerifyTTL = DefaultVerifyTTL
	}
	return &RecoveryService{
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		hasher:   hasher,
		notifier: notifier,
		cfg:      cfg,
	}
}

// RequestPasswordReset issues a reset token for the email's account and
// dispatches a notification off the request path. It succeeds whether or
// not the email exists: the unknown-email path performs the same token
// generation work before discarding the result, and delivery happens on
// a separate goroutine, so neither the response nor its timing reveals
// account existence.
func (s *RecoveryService) RequestPasswordReset(ctx context.Context, email string) error {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}

	user, lookupErr := s.users.GetByEmail(ctx, normalized)
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return oops.Code("RESET_REQUEST_FAILED").
				With("operation", "get user by email").
				Wrap(lookupErr)
		}
		// Equalize work with the found path: generate and hash a token
		// that is never persisted or sent.
		if _, _, genErr := GenerateToken(); genErr != nil {
			slog.Warn("dummy token generation failed", "error", genErr)
		}
		slog.Info("password reset requested for unknown email")
		return nil
	}

	token, err := s.tokens.Issue(ctx, NamespaceReset, user.Email, s.cfg.ResetTTL, IssueOptions{})
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "issue token").
			Wrap(err)
	}

	s.dispatch(ctx, user.Email, "Reset your password", fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Reset link (valid for %s): %s/auth/password/confirm?token=%s\n\n"+
			"If you did not request this, you can ignore this message.",
		s.cfg.ResetTTL, s.cfg.BaseURL, token,
	))

	slog.Info("password reset token issued", "user_id", user.ID.String())
	return nil
}

// CompletePasswordReset consumes a reset token, persists the new password,
// and revokes every session the user holds. An unusable token returns
// ErrInvalidToken without distinguishing expired from never-issued.
func (s *RecoveryService) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	ownerEmail, err := s.tokens.Resolve(ctx, NamespaceReset, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return err
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "resolve token").
			Wrap(err)
	}

	user, err := s.users.GetByEmail(ctx, ownerEmail)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Token outlived its account; present as invalid.
			return oops.Code("RESET_ORPHANED").Wrap(ErrInvalidToken)
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return err
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "update password").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	if err := s.tokens.Revoke(ctx, NamespaceReset, token); err != nil {
		// The password is already updated; the token row is dead weight
		// that Resolve would reject on reuse anyway.
		slog.Warn("failed to revoke consumed reset token", "error", err)
	}

	// A successful reset invalidates any session an attacker may hold.
	if err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "revoke sessions").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	slog.Info("password reset completed", "user_id", user.ID.String())
	return nil
}

// RequestEmailVerification issues a verification token for the user,
// replacing any outstanding one, and dispatches a notification.
func (s *RecoveryService) RequestEmailVerification(ctx context.Context, userID ulid.ULID) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("VERIFY_UNKNOWN_USER").Wrap(ErrNotFound)
		}
		return oops.Code("VERIFY_REQUEST_FAILED").
			With("operation", "get user").
			Wrap(err)
	}

	token, err := s.tokens.Issue(ctx, NamespaceVerification, user.ID.String(), s.cfg.VerifyTTL, IssueOptions{})
	if err != nil {
		return oops.Code("VERIFY_REQUEST_FAILED").
			With("operation", "issue token").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	s.dispatch(ctx, user.Email, "Verify your email address", fmt.Sprintf(
		"Confirm your email address to finish setting up your account.\n\n"+
			"Verification link (valid for %s): %s/auth/verify/confirm?token=%s",
		s.cfg.VerifyTTL, s.cfg.BaseURL, token,
	))

	slog.Info("email verification token issued", "user_id", user.ID.String())
	return nil
}

// CompleteEmailVerification consumes a verification token and marks the
// owning user verified. Failure leaves user state untouched.
func (s *RecoveryService) CompleteEmailVerification(ctx context.Context, token string) error {
	owner, err := s.tokens.Resolve(ctx, NamespaceVerification, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return err
		}
		return oops.Code("VERIFY_COMPLETE_FAILED").
			With("operation", "resolve token").
			Wrap(err)
	}

	userID, err := ulid.Parse(owner)
	if err != nil {
		return oops.Code("VERIFY_CORRUPT_OWNER").
			With("owner_key", owner).
			Wrap(err)
	}

	if err := s.users.MarkVerified(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("VERIFY_ORPHANED").Wrap(ErrInvalidToken)
		}
		return oops.Code("VERIFY_COMPLETE_FAILED").
			With("operation", "mark verified").
			With("user_id", userID.String()).
			Wrap(err)
	}

	if err := s.tokens.Revoke(ctx, NamespaceVerification, token); err != nil {
		slog.Warn("failed to revoke consumed verification token", "error", err)
	}

	slog.Info("email verified", "user_id", userID.String())
	return nil
}

// dispatch hands a message to the notifier on its own goroutine. The
// caller returns without waiting on delivery, so request latency never
// depends on whether a message is being sent; a failed send is logged,
// and the issued token stays valid either way. The send keeps the
// caller's values but sheds its cancellation: a request finishing must
// not abort delivery.
func (s *RecoveryService) dispatch(ctx context.Context, to, subject, body string) {
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.notifier.Send(sendCtx, to, subject, body); err != nil {
			slog.Error("notification send failed", "subject", subject, "error", err)
		}
	}()
}
