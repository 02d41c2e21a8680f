package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "usersvc:rl"

var (
	// ErrRedisUnavailable wraps failures talking to the counter backend.
	ErrRedisUnavailable = errors.New("ratelimit: redis unavailable")

	errMissingClient = errors.New("ratelimit: redis client required")
	errInvalidRule   = errors.New("ratelimit: rule requires a name, a positive limit and a positive window")
)

// Rule caps how many requests a caller may make within a window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// PerMinute builds a rule allowing limit requests per minute.
func PerMinute(name string, limit int) Rule {
	return Rule{Name: name, Limit: limit, Window: time.Minute}
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// Limiter counts requests per rule and caller in fixed windows stored in Redis.
type Limiter struct {
	client redis.UniversalClient
	prefix string
}

func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Limiter{client: cfg.Client, prefix: prefix}, nil
}

// Allow records one request by caller against rule. The first request of a
// window starts its expiry; requests beyond the limit are refused until the
// key expires.
func (l *Limiter) Allow(ctx context.Context, rule Rule, caller string) (Decision, error) {
	if strings.TrimSpace(rule.Name) == "" || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{}, errInvalidRule
	}
	key := l.key(rule.Name, caller)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count <= int64(rule.Limit) {
		return Decision{Allowed: true, Remaining: rule.Limit - int(count)}, nil
	}

	retryAfter, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if retryAfter < 0 {
		// Expiry was lost; restore it so the caller is not locked out forever.
		_ = l.client.Expire(ctx, key, rule.Window).Err()
		retryAfter = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

func (l *Limiter) key(rule, caller string) string {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "unknown"
	}
	return l.prefix + ":" + rule + ":" + caller
}
