// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2-SHA512 parameters. Iterations are configurable; the floor keeps a
// misconfigured deployment from silently weakening storage.
const (
	DefaultIterations = 210_000
	MinIterations     = 100_000
	DefaultSaltLength = 16
	MinSaltLength     = 16
	DefaultKeyLength  = 64
	MinKeyLength      = 64

	hasherAlgorithmID = "pbkdf2-sha512"
)

// HasherConfig tunes the key-derivation cost. Zero values fall back to the
// defaults; values below the floors are rejected.
type HasherConfig struct {
	Iterations int
	SaltLength int
	KeyLength  int
}

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted PBKDF2-SHA512 record of the password.
	Hash(password string) (string, error)

	// Verify reports whether the password matches the stored record.
	// A malformed record verifies as false, never as an error.
	Verify(password, stored string) bool

	// NeedsRehash reports whether the stored record was produced with
	// weaker parameters than currently configured.
	NeedsRehash(stored string) bool
}

// PBKDF2Hasher implements PasswordHasher using PBKDF2-SHA512.
type PBKDF2Hasher struct {
	iterations int
	saltLength int
	keyLength  int
}

// NewPBKDF2Hasher creates a PBKDF2Hasher from cfg, applying defaults for
// zero values and rejecting parameters below the security floors.
func NewPBKDF2Hasher(cfg HasherConfig) (*PBKDF2Hasher, error) {
	if cfg.Iterations == 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.SaltLength == 0 {
		cfg.SaltLength = DefaultSaltLength
	}
	if cfg.KeyLength == 0 {
		cfg.KeyLength = DefaultKeyLength
	}

	if cfg.Iterations < MinIterations {
		return nil, oops.Code("HASHER_WEAK_PARAMS").Errorf("iterations must be >= %d, got %d", MinIterations, cfg.Iterations)
	}
	if cfg.SaltLength < MinSaltLength {
		return nil, oops.Code("HASHER_WEAK_PARAMS").Errorf("salt length must be >= %d, got %d", MinSaltLength, cfg.SaltLength)
	}
	if cfg.KeyLength < MinKeyLength {
		return nil, oops.Code("HASHER_WEAK_PARAMS").Errorf("key length must be >= %d, got %d", MinKeyLength, cfg.KeyLength)
	}

	return &PBKDF2Hasher{
		iterations: cfg.Iterations,
		saltLength: cfg.SaltLength,
		keyLength:  cfg.KeyLength,
	}, nil
}

// Hash produces a salted record of the password.
// Format: $pbkdf2-sha512$i=<iterations>$<salt>$<key> with raw std base64.
func (h *PBKDF2Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", oops.Code("AUTH_EMPTY_PASSWORD").Wrap(ErrInvalidInput)
	}

	salt := make([]byte, h.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("HASHER_SALT_FAILED").Wrap(err)
	}

	key := pbkdf2.Key([]byte(password), salt, h.iterations, h.keyLength, sha512.New)

	encoded := fmt.Sprintf(
		"$%s$i=%d$%s$%s",
		hasherAlgorithmID,
		h.iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)

	return encoded, nil
}

// Verify reports whether the password matches the stored record. The salt
// and iteration count embedded in the record drive re-derivation; the
// comparison is constant-time. Corrupt records present as "does not match".
func (h *PBKDF2Hasher) Verify(password, stored string) bool {
	salt, iterations, expected, ok := parseHashRecord(stored)
	if !ok {
		return false
	}

	computed := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha512.New)

	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// NeedsRehash reports whether the stored record should be re-derived with
// the currently configured parameters. Malformed records always qualify.
func (h *PBKDF2Hasher) NeedsRehash(stored string) bool {
	salt, iterations, key, ok := parseHashRecord(stored)
	if !ok {
		return true
	}
	return iterations < h.iterations || len(salt) < h.saltLength || len(key) != h.keyLength
}

// parseHashRecord splits a stored record into salt, iterations, and derived
// key. ok is false for any structural problem.
func parseHashRecord(stored string) (salt []byte, iterations int, key []byte, ok bool) {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[0] != "" {
		return nil, 0, nil, false
	}
	if parts[1] != hasherAlgorithmID {
		return nil, 0, nil, false
	}

	rawIters, found := strings.CutPrefix(parts[2], "i=")
	if !found {
		return nil, 0, nil, false
	}
	iterations, err := strconv.Atoi(rawIters)
	if err != nil || iterations < 1 {
		return nil, 0, nil, false
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(salt) < MinSaltLength {
		return nil, 0, nil, false
	}

	key, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return nil, 0, nil, false
	}

	return salt, iterations, key, true
}

// Compile-time interface check.
var _ PasswordHasher = (*PBKDF2Hasher)(nil)
