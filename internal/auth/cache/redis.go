// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

const (
	sessionKeyFormat = "session:%s"       // keyed by token hash
	userSetKeyFormat = "user_sessions:%s" // set of token hashes per user
	rateLimitKeyFmt  = "ratelimit:%s:%s"  // bucket, caller key
)

// Redis is an auth.SessionCache backed by a Redis instance, for deployments
// where several nodes must share session state. Entries carry Redis TTLs
// matching the session TTL, so Redis expires them without housekeeping.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis session cache on an established client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Get implements auth.SessionCache.
func (r *Redis) Get(ctx context.Context, tokenHash string) (*auth.CachedSession, error) {
	raw, err := r.client.Get(ctx, fmt.Sprintf(sessionKeyFormat, tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, auth.ErrCacheMiss
		}
		return nil, oops.Code("CACHE_GET_FAILED").Wrap(err)
	}

	var session auth.CachedSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, oops.Code("CACHE_DECODE_FAILED").Wrap(err)
	}
	return &session, nil
}

// Set implements auth.SessionCache. The session entry and its user-index
// membership are written in one transactional pipeline.
func (r *Redis) Set(ctx context.Context, tokenHash string, session auth.CachedSession, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return oops.Code("CACHE_ENCODE_FAILED").Wrap(err)
	}

	userKey := fmt.Sprintf(userSetKeyFormat, session.UserID.String())

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(sessionKeyFormat, tokenHash), raw, ttl)
	pipe.SAdd(ctx, userKey, tokenHash)
	// Keep the index alive at least as long as its newest member.
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("CACHE_SET_FAILED").Wrap(err)
	}
	return nil
}

// Delete implements auth.SessionCache.
func (r *Redis) Delete(ctx context.Context, tokenHash string, userID ulid.ULID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(sessionKeyFormat, tokenHash))
	pipe.SRem(ctx, fmt.Sprintf(userSetKeyFormat, userID.String()), tokenHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("CACHE_DELETE_FAILED").Wrap(err)
	}
	return nil
}

// DeleteAllForUser implements auth.SessionCache. Every hash in the user's
// index set is deleted along with the set itself.
func (r *Redis) DeleteAllForUser(ctx context.Context, userID ulid.ULID) error {
	userKey := fmt.Sprintf(userSetKeyFormat, userID.String())

	hashes, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return oops.Code("CACHE_DELETE_FAILED").Wrap(err)
	}

	pipe := r.client.TxPipeline()
	for _, hash := range hashes {
		pipe.Del(ctx, fmt.Sprintf(sessionKeyFormat, hash))
	}
	pipe.Del(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.Code("CACHE_DELETE_FAILED").Wrap(err)
	}
	return nil
}

// RedisRateLimiter is a fixed-window auth.RateLimiter sharing counters
// across nodes. Each window is a Redis counter: INCR, with the key's TTL set
// to the window length on first hit. The TTL doubles as the retry hint.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	policies map[string]auth.BucketPolicy
}

// NewRedisRateLimiter creates a RedisRateLimiter with the given bucket
// table. A nil table selects auth.DefaultBucketPolicies.
func NewRedisRateLimiter(client redis.UniversalClient, policies map[string]auth.BucketPolicy) *RedisRateLimiter {
	if policies == nil {
		policies = auth.DefaultBucketPolicies()
	}
	return &RedisRateLimiter{client: client, policies: policies}
}

// Check implements auth.RateLimiter.
func (l *RedisRateLimiter) Check(ctx context.Context, bucket, key string) (auth.Decision, error) {
	policy, ok := l.policies[bucket]
	if !ok {
		return auth.Decision{Allowed: true}, nil
	}
	if policy.MaxRequests <= 0 || policy.Window <= 0 {
		return auth.Decision{}, oops.Code("RATELIMIT_BAD_POLICY").
			Errorf("bucket %q has invalid policy (max=%d, window=%s)", bucket, policy.MaxRequests, policy.Window)
	}

	counterKey := fmt.Sprintf(rateLimitKeyFmt, bucket, key)

	count, err := l.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return auth.Decision{}, oops.Code("RATELIMIT_CHECK_FAILED").
			With("bucket", bucket).
			Wrap(err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, counterKey, policy.Window).Err(); err != nil {
			return auth.Decision{}, oops.Code("RATELIMIT_CHECK_FAILED").
				With("bucket", bucket).
				Wrap(err)
		}
	}

	if count > int64(policy.MaxRequests) {
		retryAfter := policy.Window
		if ttl, err := l.client.TTL(ctx, counterKey).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return auth.Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return auth.Decision{Allowed: true}, nil
}

// Compile-time interface checks.
var (
	_ auth.SessionCache = (*Redis)(nil)
	_ auth.RateLimiter  = (*RedisRateLimiter)(nil)
)
