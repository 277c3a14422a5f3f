// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Rate-limit buckets. Each names a class of endpoint with its own budget.
const (
	BucketLogin       = "login"
	BucketRegister    = "register"
	BucketReset       = "password-reset"
	BucketVerifyEmail = "verify-email"
)

// BucketPolicy is one bucket's request budget per window.
type BucketPolicy struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultBucketPolicies is the rate-limit table applied when configuration
// provides none.
func DefaultBucketPolicies() map[string]BucketPolicy {
	return map[string]BucketPolicy{
		BucketLogin:       {MaxRequests: 10, Window: 10 * time.Minute},
		BucketRegister:    {MaxRequests: 5, Window: time.Hour},
		BucketReset:       {MaxRequests: 3, Window: time.Hour},
		BucketVerifyEmail: {MaxRequests: 3, Window: time.Hour},
	}
}

// Decision is the outcome of a rate-limit check. When Allowed is false the
// guarded flow must not execute at all.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter gates the auth entry points. Satisfied by MemoryRateLimiter
// and cache.RedisRateLimiter.
type RateLimiter interface {
	// Check records a request against (bucket, key) and decides whether it
	// may proceed. Unknown buckets are allowed (nothing to enforce).
	Check(ctx context.Context, bucket, key string) (Decision, error)
}

// windowCounter is one (bucket, key) fixed window.
type windowCounter struct {
	windowStart time.Time
	count       int
}

// MemoryRateLimiter is an in-process fixed-window counter. Safe for
// concurrent use; increments under the same key never lose updates.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	policies map[string]BucketPolicy
	counters map[string]*windowCounter
	now      func() time.Time
}

// NewMemoryRateLimiter creates a MemoryRateLimiter with the given bucket
// table. A nil table selects DefaultBucketPolicies.
func NewMemoryRateLimiter(policies map[string]BucketPolicy) *MemoryRateLimiter {
	if policies == nil {
		policies = DefaultBucketPolicies()
	}
	return &MemoryRateLimiter{
		policies: policies,
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// Check implements RateLimiter.
func (l *MemoryRateLimiter) Check(_ context.Context, bucket, key string) (Decision, error) {
	policy, ok := l.policies[bucket]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	if policy.MaxRequests <= 0 || policy.Window <= 0 {
		return Decision{}, oops.Code("RATELIMIT_BAD_POLICY").
			Errorf("bucket %q has invalid policy (max=%d, window=%s)", bucket, policy.MaxRequests, policy.Window)
	}

	now := l.now()
	counterKey := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[counterKey]
	if !ok || now.Sub(c.windowStart) >= policy.Window {
		l.counters[counterKey] = &windowCounter{windowStart: now, count: 1}
		return Decision{Allowed: true}, nil
	}

	c.count++
	if c.count > policy.MaxRequests {
		return Decision{
			Allowed:    false,
			RetryAfter: policy.Window - now.Sub(c.windowStart),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// Prune drops windows that have fully elapsed. Optional housekeeping for
// long-lived processes; Check already resets elapsed windows lazily.
func (l *MemoryRateLimiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, c := range l.counters {
		bucket, _, _ := cutBucket(key)
		policy, ok := l.policies[bucket]
		if !ok || now.Sub(c.windowStart) >= policy.Window {
			delete(l.counters, key)
		}
	}
}

func cutBucket(counterKey string) (bucket, key string, ok bool) {
	for i := 0; i < len(counterKey); i++ {
		if counterKey[i] == ':' {
			return counterKey[:i], counterKey[i+1:], true
		}
	}
	return counterKey, "", false
}

// Compile-time interface check.
var _ RateLimiter = (*MemoryRateLimiter)(nil)
