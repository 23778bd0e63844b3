package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitDecision is the result of charging one request against a user's budget.
type RateLimitDecision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up to whole seconds for the Retry-After header.
func (d RateLimitDecision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// RateLimiter budgets requests per user and scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, userID string, limit int, window time.Duration) (RateLimitDecision, error)
}

// windowCounter increments a counter that expires on its own after ttl.
type windowCounter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisWindowCounter struct {
	client redis.UniversalClient
}

func (c redisWindowCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RedisRateLimiter counts requests in clock-aligned windows. The window start is
// part of the key, so a new window starts at zero and Retry-After is the time
// left until the next window opens.
type RedisRateLimiter struct {
	counter windowCounter
	prefix  string
	now     func() time.Time
}

// NewRedisRateLimiter creates a limiter whose keys look like
// <prefix>:ratelimit:<scope>:user:<userID>:<window start unix>.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "accessedu:subscriptions"
	}
	limiter := &RedisRateLimiter{prefix: trimmedPrefix + ":ratelimit", now: time.Now}
	if client != nil {
		limiter.counter = redisWindowCounter{client: client}
	}
	return limiter
}

// Allow charges one request for userID in scope. A counter failure is returned
// together with an allowing decision; callers decide whether to fail open.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, userID string, limit int, window time.Duration) (RateLimitDecision, error) {
	allowed := RateLimitDecision{Allowed: true, Limit: limit}
	scope = strings.TrimSpace(scope)
	userID = strings.TrimSpace(userID)
	if r == nil || r.counter == nil || limit <= 0 || scope == "" || userID == "" {
		return allowed, nil
	}
	if window < time.Second {
		window = time.Second
	}

	now := r.now().UTC()
	windowStart := now.Truncate(window)
	untilReset := windowStart.Add(window).Sub(now)

	count, err := r.counter.Increment(ctx, r.key(scope, userID, windowStart), untilReset+time.Second)
	if err != nil {
		return allowed, fmt.Errorf("rate limit counter for %s: %w", scope, err)
	}

	decision := RateLimitDecision{Allowed: count <= int64(limit), Count: count, Limit: limit}
	if !decision.Allowed {
		decision.RetryAfter = untilReset
	}
	return decision, nil
}

func (r *RedisRateLimiter) key(scope, userID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:user:%s:%d", r.prefix, scope, userID, windowStart.Unix())
}
