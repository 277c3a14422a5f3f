// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package httpapi exposes the authentication flows over HTTP. All bodies
// are JSON; the session rides in an HttpOnly cookie.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/observability"
)

// Server routes the /auth/* endpoints.
type Server struct {
	addr          string
	credentials   *auth.CredentialService
	sessions      *auth.SessionManager
	recovery      *auth.RecoveryService
	limiter       auth.RateLimiter
	metrics       *observability.Metrics
	secureCookies bool

	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// Options configures a Server.
type Options struct {
	Addr          string
	Credentials   *auth.CredentialService
	Sessions      *auth.SessionManager
	Recovery      *auth.RecoveryService
	Limiter       auth.RateLimiter
	Metrics       *observability.Metrics // optional
	SecureCookies bool
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	return &Server{
		addr:          opts.Addr,
		credentials:   opts.Credentials,
		sessions:      opts.Sessions,
		recovery:      opts.Recovery,
		limiter:       opts.Limiter,
		metrics:       opts.Metrics,
		secureCookies: opts.SecureCookies,
	}
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.rateLimit(auth.BucketRegister, s.handleRegister))
	mux.HandleFunc("POST /auth/login", s.rateLimit(auth.BucketLogin, s.handleLogin))
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/logout-all", s.requireSession(s.handleLogoutAll))
	mux.HandleFunc("POST /auth/password/change", s.requireSession(s.handlePasswordChange))
	mux.HandleFunc("POST /auth/password/reset", s.rateLimit(auth.BucketReset, s.handlePasswordReset))
	mux.HandleFunc("POST /auth/password/confirm", s.handlePasswordConfirm)
	mux.HandleFunc("POST /auth/verify/request", s.rateLimit(auth.BucketVerifyEmail, s.requireSession(s.handleVerifyRequest)))
	mux.HandleFunc("POST /auth/verify/confirm", s.handleVerifyConfirm)
	mux.HandleFunc("GET /auth/me", s.requireSession(s.handleMe))

	return s.countRequests(mux)
}

// Start begins serving the API. It returns an error channel that receives
// any error from the HTTP server after it starts; the channel is closed
// when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}

	slog.Info("api server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
