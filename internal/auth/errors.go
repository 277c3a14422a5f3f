// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import "errors"

// Sentinel errors returned by the auth services. Flows translate repository
// and primitive outcomes into these; anything else that escapes is an
// infrastructure failure wrapped with an oops code.
var (
	// ErrNotFound is returned by repositories when a requested entity does
	// not exist. It never reaches a client as-is.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials covers both "no such user" and "wrong password".
	// The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDuplicateEmail is returned when registration hits an existing
	// normalized email.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidToken covers reset/verification tokens that are malformed,
	// expired, or were never issued. The cases are deliberately
	// indistinguishable.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrUnauthenticated is returned when a session token does not resolve
	// to a live session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRateLimited is returned when a bucket's request budget is spent.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput is returned for malformed request shapes, such as an
	// empty password.
	ErrInvalidInput = errors.New("invalid input")
)
