// Package ratelimit provides Redis-backed rate limiting using fixed INCR +
// EXPIRE windows. Each radar action (position tick, answer, refresh,
// connection) is throttled per user or per client address.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/radar/internal/logger"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:refresh:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RulePosition allows 20 position broadcasts per 10 seconds per user.
	RulePosition = Rule{Key: "rl:pos:", Limit: 20, Window: 10 * time.Second}

	// RuleAnswer allows 30 answer submissions per minute per user.
	RuleAnswer = Rule{Key: "rl:answer:", Limit: 30, Window: time.Minute}

	// RuleRefresh allows 30 radar refreshes per minute per user.
	RuleRefresh = Rule{Key: "rl:refresh:", Limit: 30, Window: time.Minute}

	// RuleConnect allows 10 WebSocket connections per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	return &Limiter{client: client, log: logger.Named(log, "ratelimit")}
}

// Allow reports whether identifier is within rule, counting this request.
// On Redis errors it fails open and returns the error alongside true so that
// a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. Missing keys report the full limit; Redis errors fail open.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("GET failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// RetryAfter returns the time until identifier's window resets, or zero.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
