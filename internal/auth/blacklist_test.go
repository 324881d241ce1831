package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBlacklist(t *testing.T) {
	mr := miniredis.RunT(t)
	bl := NewRedisBlacklist(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	ok, err := bl.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bl.AddToBlacklist(ctx, "jti-1", time.Minute))
	ok, err = bl.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = bl.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBlacklist_ExpiredTokenIsNoop(t *testing.T) {
	mr := miniredis.RunT(t)
	bl := NewRedisBlacklist(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	require.NoError(t, bl.AddToBlacklist(context.Background(), "jti-2", 0))
	assert.False(t, mr.Exists("blacklist:jti-2"))
}
