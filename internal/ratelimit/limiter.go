// Package ratelimit gates merchant requests with a fixed-window counter held in
// a shared Redis instance, so the limit applies across all running
// processes. The increment and the conditional expiry run in one Lua
// script; doing them as separate calls would race two processes into a
// counter that never expires.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter key layout: ratelimit:<action>:<subject>
const keyPrefix = "ratelimit"

// checkAndIncrementScript atomically increments the window counter,
// arms the expiry on the first increment, and reports the remaining TTL
// when the capacity is exceeded (falling back to the full window if the
// TTL is unavailable).
var checkAndIncrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
if count > tonumber(ARGV[2]) then
	local ttl = redis.call('TTL', KEYS[1])
	if ttl < 0 then
		ttl = tonumber(ARGV[1])
	end
	return {0, ttl}
end
return {1, 0}
`)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool

	// RetryAfter is the client hint when the request was rejected.
	RetryAfter time.Duration
}

// scriptRunner abstracts the Redis script evaluation for testing.
type scriptRunner interface {
	Run(ctx context.Context, keys []string, args ...any) (any, error)
}

type redisRunner struct {
	client redis.Scripter
}

func (r redisRunner) Run(ctx context.Context, keys []string, args ...any) (any, error) {
	return checkAndIncrementScript.Run(ctx, r.client, keys, args...).Result()
}

// Limiter counts requests per (action, subject) window.
type Limiter struct {
	runner scriptRunner
	logger *slog.Logger
}

// NewLimiter creates a limiter backed by the given Redis client.
func NewLimiter(client redis.Scripter, logger *slog.Logger) *Limiter {
	return &Limiter{
		runner: redisRunner{client: client},
		logger: logger.With("component", "ratelimit"),
	}
}

// Allow atomically counts one request for (action, subject) and reports
// whether it fits in the window. A non-positive capacity or window
// disables limiting for the action. If Redis is unreachable the request
// is allowed: availability of the payment path takes priority over
// strict enforcement.
func (l *Limiter) Allow(ctx context.Context, action, subject string, capacity int, window time.Duration) (Decision, error) {
	if capacity <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}

	key := fmt.Sprintf("%s:%s:%s", keyPrefix, action, subject)
	windowSeconds := int(window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	result, err := l.runner.Run(ctx, []string{key}, windowSeconds, capacity)
	if err != nil {
		l.logger.Warn("rate limit store unreachable, failing open",
			"action", action,
			"error", err,
		)
		return Decision{Allowed: true}, nil
	}

	allowed, retryAfter, err := parseScriptResult(result)
	if err != nil {
		l.logger.Warn("unexpected rate limit script result, failing open",
			"action", action,
			"error", err,
		)
		return Decision{Allowed: true}, nil
	}

	if !allowed {
		l.logger.Debug("request rate limited",
			"action", action,
			"subject", subject,
			"retry_after", retryAfter,
		)
	}

	return Decision{Allowed: allowed, RetryAfter: retryAfter}, nil
}

// parseScriptResult decodes the {allowed, retry_after_seconds} reply.
func parseScriptResult(result any) (bool, time.Duration, error) {
	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("want a 2-element reply, got %T", result)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("want int64 allowed flag, got %T", values[0])
	}

	retryAfter, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("want int64 retry-after, got %T", values[1])
	}

	return allowed == 1, time.Duration(retryAfter) * time.Second, nil
}
