// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package auth implements the Gatehouse authentication core: password
// hashing, opaque token issuance and resolution, session management,
// credential and recovery flows, and rate limiting.
//
// The package owns the domain entities (User, Token) and the repository
// interfaces; persistence lives in the postgres subpackage and caching in
// the cache subpackage. Services are constructed once at process start and
// shared across requests.
package auth
