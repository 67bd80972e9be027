package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LoginRateLimiter bounds authentication attempts per subject within a
// fixed window. allowed=false comes with a retry-after hint in seconds.
type LoginRateLimiter interface {
	Allow(ctx context.Context, subject string, limit int, window time.Duration) (allowed bool, retryAfterSeconds int, err error)
}

var loginRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLoginRateLimiter implements distributed login throttling using a
// Redis counter per subject and window.
type RedisLoginRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLoginRateLimiter(client redis.UniversalClient, prefix string) *RedisLoginRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "voteflow:login_limit"
	}
	return &RedisLoginRateLimiter{client: client, prefix: trimmed}
}

// Allow consumes one attempt for subject. A Redis failure fails open so an
// outage cannot lock every user out.
func (r *RedisLoginRateLimiter) Allow(ctx context.Context, subject string, limit int, window time.Duration) (bool, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return true, 0, nil
	}

	key := fmt.Sprintf("%s:%s:%d", r.prefix, subject, time.Now().Unix()/int64(window.Seconds()))
	result, err := loginRateLimitScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return true, 0, err
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected rate limit script result: %v", result)
	}
	count, _ := values[0].(int64)
	ttlMillis, _ := values[1].(int64)
	if count <= int64(limit) {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil(float64(ttlMillis) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// LocalLoginRateLimiter is the in-process fallback used when no Redis URL
// is configured. Windows are tracked per subject under a mutex.
type LocalLoginRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count   int
	resetAt time.Time
}

func NewLocalLoginRateLimiter() *LocalLoginRateLimiter {
	return &LocalLoginRateLimiter{windows: map[string]*localWindow{}}
}

// Allow consumes one attempt for subject.
func (l *LocalLoginRateLimiter) Allow(ctx context.Context, subject string, limit int, window time.Duration) (bool, int, error) {
	if limit <= 0 || window <= 0 || strings.TrimSpace(subject) == "" {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[subject]
	if !ok || now.After(w.resetAt) {
		l.windows[subject] = &localWindow{count: 1, resetAt: now.Add(window)}
		return true, 0, nil
	}
	w.count++
	if w.count <= limit {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
