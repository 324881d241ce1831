// Package auth tracks revoked operator tokens.
package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist answers whether a token id (jti) was revoked before expiry.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisBlacklist struct {
	client redis.UniversalClient
}

func NewRedisBlacklist(client redis.UniversalClient) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func (r *RedisBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, "blacklist:"+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddToBlacklist keeps the entry only as long as the token could still be used.
func (r *RedisBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, "blacklist:"+jti, "revoked", ttl).Err()
}
