// Package ratelimit implements fixed-window request limits in Redis.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeOperator Scope = "operator"
)

type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// Enabled reports whether the config imposes a limit at all.
func (c LimitConfig) Enabled() bool {
	return c.Rate > 0 && c.Window > 0
}

// INCR and arm the expiry on the first hit; return count and remaining ttl.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if tonumber(current) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type Limiter struct {
	client redis.UniversalClient
	salt   string
}

func NewLimiter(client redis.UniversalClient, salt string) *Limiter {
	if salt == "" {
		salt = "vms-alerts"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP keeps raw client addresses out of Redis keys.
func (l *Limiter) HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(sum[:])
}

// Allow counts one hit against key. The window starts at the first hit.
func (l *Limiter) Allow(ctx context.Context, scope Scope, key string, cfg LimitConfig) (*Decision, error) {
	res, err := windowScript.Run(ctx, l.client, []string{"rl:" + string(scope) + ":" + key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int((ttl + time.Second - 1) / time.Second)
	return &Decision{
		Scope:      scope,
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(ttl),
		RetryAfter: retry,
		Allowed:    count <= cfg.Rate,
	}, nil
}
