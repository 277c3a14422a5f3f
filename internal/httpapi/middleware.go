// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type contextKey string

const userContextKey contextKey = "gatehouse.user"

// UserFromContext returns the authenticated user placed by requireSession.
func UserFromContext(ctx context.Context) (*auth.User, bool) {
	user, ok := ctx.Value(userContextKey).(*auth.User)
	return user, ok
}

// requireSession validates the session cookie and injects the user into the
// request context. Requests with a missing, expired, or revoked session get
// 401 without reaching the handler.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionTokenFromRequest(r)
		if token == "" {
			writeError(w, r, oops.Code("SESSION_COOKIE_MISSING").Wrap(auth.ErrUnauthenticated))
			return
		}

		user, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next(w, r.WithContext(ctx))
	}
}

// rateLimit gates a handler behind the named bucket, keyed by client IP.
// When the budget is exhausted the handler never runs and the client gets
// 429 with a Retry-After hint.
func (s *Server) rateLimit(bucket string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision, err := s.limiter.Check(r.Context(), bucket, clientIP(r))
		if err != nil {
			// Limiter infrastructure failure: log and refuse rather than
			// letting an outage disable the gate.
			slog.ErrorContext(r.Context(), "rate limiter check failed", "bucket", bucket, "error", err)
			writeError(w, r, oops.Code("RATELIMIT_UNAVAILABLE").Wrap(auth.ErrRateLimited))
			return
		}
		if !decision.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimitRejectionsTotal.WithLabelValues(bucket).Inc()
			}
			writeRateLimited(w, decision.RetryAfter)
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// countRequests records every request against the route/status counter.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

// clientIP extracts the caller's IP. The service is expected to run behind
// a proxy that sets X-Forwarded-For; RemoteAddr is the fallback.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
