// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Internal tests: the limiter's clock is injected directly.
package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiterCheck(t *testing.T) {
	ctx := context.Background()

	newLimiter := func(policies map[string]BucketPolicy) (*MemoryRateLimiter, *time.Time) {
		limiter := NewMemoryRateLimiter(policies)
		now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
		limiter.now = func() time.Time { return now }
		return limiter, &now
	}

	t.Run("allows up to the budget then refuses", func(t *testing.T) {
		limiter, _ := newLimiter(map[string]BucketPolicy{
			"login": {MaxRequests: 3, Window: time.Minute},
		})

		for i := 0; i < 3; i++ {
			decision, err := limiter.Check(ctx, "login", "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, decision.Allowed, "request %d", i+1)
		}

		decision, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, time.Minute, decision.RetryAfter)
	})

	t.Run("keys are isolated", func(t *testing.T) {
		limiter, _ := newLimiter(map[string]BucketPolicy{
			"login": {MaxRequests: 1, Window: time.Minute},
		})

		_, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)

		decision, err := limiter.Check(ctx, "login", "5.6.7.8")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("buckets are isolated", func(t *testing.T) {
		limiter, _ := newLimiter(map[string]BucketPolicy{
			"login":    {MaxRequests: 1, Window: time.Minute},
			"register": {MaxRequests: 1, Window: time.Minute},
		})

		_, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)

		decision, err := limiter.Check(ctx, "register", "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("window elapse resets the budget", func(t *testing.T) {
		limiter, now := newLimiter(map[string]BucketPolicy{
			"login": {MaxRequests: 1, Window: time.Minute},
		})

		_, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)

		decision, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		assert.Greater(t, decision.RetryAfter, time.Duration(0))

		*now = now.Add(time.Minute)

		decision, err = limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("retry hint shrinks as the window ages", func(t *testing.T) {
		limiter, now := newLimiter(map[string]BucketPolicy{
			"login": {MaxRequests: 1, Window: time.Minute},
		})

		_, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)

		*now = now.Add(45 * time.Second)

		decision, err := limiter.Check(ctx, "login", "1.2.3.4")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		assert.Equal(t, 15*time.Second, decision.RetryAfter)
	})

	t.Run("unknown bucket is allowed", func(t *testing.T) {
		limiter, _ := newLimiter(map[string]BucketPolicy{})
		decision, err := limiter.Check(ctx, "no-such-bucket", "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("invalid policy is an error", func(t *testing.T) {
		limiter, _ := newLimiter(map[string]BucketPolicy{
			"broken": {MaxRequests: 0, Window: time.Minute},
		})
		_, err := limiter.Check(ctx, "broken", "1.2.3.4")
		assert.Error(t, err)
	})
}

func TestMemoryRateLimiterConcurrency(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryRateLimiter(map[string]BucketPolicy{
		"login": {MaxRequests: 50, Window: time.Minute},
	})

	const workers = 100
	var wg sync.WaitGroup
	allowed := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.Check(ctx, "login", "shared-key")
			assert.NoError(t, err)
			allowed <- decision.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	// No lost updates: exactly the budget is admitted.
	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	assert.Equal(t, 50, count)
}

func TestMemoryRateLimiterPrune(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryRateLimiter(map[string]BucketPolicy{
		"login": {MaxRequests: 1, Window: time.Minute},
	})
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	_, err := limiter.Check(ctx, "login", "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, limiter.counters, 1)

	now = now.Add(2 * time.Minute)
	limiter.Prune()
	assert.Empty(t, limiter.counters)
}

func TestDefaultBucketPolicies(t *testing.T) {
	policies := DefaultBucketPolicies()
	for _, bucket := range []string{BucketLogin, BucketRegister, BucketReset, BucketVerifyEmail} {
		policy, ok := policies[bucket]
		require.True(t, ok, "missing bucket %q", bucket)
		assert.Positive(t, policy.MaxRequests)
		assert.Positive(t, policy.Window)
	}
}
