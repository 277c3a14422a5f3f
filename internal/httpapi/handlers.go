// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// userView is the client-facing projection of a user. The password hash
// never leaves the service.
type userView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	IsVerified  bool      `json:"is_verified"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewOf(user *auth.User) userView {
	return userView{
		ID:          user.ID.String(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		IsVerified:  user.IsVerified,
		IsAdmin:     user.IsAdmin,
		CreatedAt:   user.CreatedAt,
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return oops.Code("HTTP_BAD_BODY").Wrap(auth.ErrInvalidInput)
	}
	return nil
}

// handleRegister creates an account and logs it in.
// POST /auth/register {email, password, display_name} -> 201 user
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	user, token, err := s.credentials.Register(r.Context(), in.Email, in.Password, auth.Profile{
		DisplayName: in.DisplayName,
	}, clientMeta(r))
	if err != nil {
		s.countRegistration(err)
		writeError(w, r, err)
		return
	}
	s.countRegistration(nil)
	s.countToken(auth.NamespaceSession)

	s.setSessionCookie(w, token, s.sessions.TTL())
	writeJSON(w, http.StatusCreated, viewOf(user))
}

// handleLogin authenticates and sets the session cookie.
// POST /auth/login {email, password} -> 204
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	token, err := s.credentials.Login(r.Context(), in.Email, in.Password, clientMeta(r))
	if err != nil {
		s.countLogin(err)
		writeError(w, r, err)
		return
	}
	s.countLogin(nil)
	s.countToken(auth.NamespaceSession)

	s.setSessionCookie(w, token, s.sessions.TTL())
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout revokes the presented session. Succeeds with 204 even when
// no session cookie is present; logout is idempotent.
// POST /auth/logout -> 204
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionTokenFromRequest(r); token != "" {
		if err := s.sessions.Logout(r.Context(), token); err != nil {
			writeError(w, r, err)
			return
		}
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogoutAll revokes every session the caller holds.
// POST /auth/logout-all -> 204 (authenticated)
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}

	if err := s.sessions.RevokeAll(r.Context(), user.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handlePasswordChange re-verifies the old password and swaps in the new
// one. Whether the caller's own session survives depends on the configured
// revocation policy; the cookie is cleared when it does not.
// POST /auth/password/change {old_password, new_password} -> 204 (authenticated)
func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}

	var in struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	token := sessionTokenFromRequest(r)
	if err := s.credentials.ChangePassword(r.Context(), user.ID, in.OldPassword, in.NewPassword, token); err != nil {
		writeError(w, r, err)
		return
	}

	if s.credentials.Policy() == auth.RevokeAll {
		s.clearSessionCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePasswordReset requests a reset token. The response is 202 whether
// or not the email has an account, so it cannot be used for enumeration.
// POST /auth/password/reset {email} -> 202
func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.recovery.RequestPasswordReset(r.Context(), in.Email); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the account exists, a reset email has been sent",
	})
}

// handlePasswordConfirm consumes a reset token and sets the new password.
// POST /auth/password/confirm {token, new_password} -> 204
func (s *Server) handlePasswordConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.recovery.CompletePasswordReset(r.Context(), in.Token, in.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyRequest issues a fresh email verification token for the
// caller, replacing any outstanding one.
// POST /auth/verify/request -> 202 (authenticated)
func (s *Server) handleVerifyRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}

	if err := s.recovery.RequestEmailVerification(r.Context(), user.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.countToken(auth.NamespaceVerification)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "verification email sent",
	})
}

// handleVerifyConfirm consumes a verification token.
// POST /auth/verify/confirm {token} -> 204
func (s *Server) handleVerifyConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.recovery.CompleteEmailVerification(r.Context(), in.Token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the authenticated user.
// GET /auth/me -> 200 user (authenticated)
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(user))
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{UserAgent: r.UserAgent()}
}

func (s *Server) countLogin(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.LoginsTotal.WithLabelValues(outcome).Inc()
}

func (s *Server) countToken(ns auth.Namespace) {
	if s.metrics == nil {
		return
	}
	s.metrics.TokensIssuedTotal.WithLabelValues(string(ns)).Inc()
}

func (s *Server) countRegistration(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		outcome = "duplicate"
	case err != nil:
		outcome = "failure"
	}
	s.metrics.RegistrationsTotal.WithLabelValues(outcome).Inc()
}
