package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123"

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", testKey)
	t.Setenv("DISPATCH_ATTEMPT_TIMEOUT", "3s")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.BaseBackoff)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.AttemptTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "detections.>", cfg.NATS.Subject)
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
environment: production
http:
  addr: ":9000"
auth:
  jwt_signing_key: "from-file-0123456789"
engine:
  workers: 4
  max_inflight_email: 8
dispatch:
  base_backoff: 500ms
archive:
  endpoint: "minio:9000"
  access_key: ak
  secret_key: sk
`)
	t.Setenv("ENGINE_WORKERS", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "from-file-0123456789", cfg.Auth.JWTSigningKey)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, 8, cfg.Engine.MaxInflightEmail)
	assert.Equal(t, 32, cfg.Engine.MaxInflightSMS)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BaseBackoff)
	assert.True(t, cfg.Archive.Enabled())
	assert.Equal(t, "vms-alerts", cfg.Archive.Bucket)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "http: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "jwt_signing_key")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSigningKey = testKey
	require.NoError(t, cfg.Validate())

	cfg.Dispatch.MaxAttempts = 0
	cfg.Engine.MaxInflightSMS = 0
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "dispatch.max_attempts")
	assert.ErrorContains(t, err, "engine.max_inflight_*")
}

func TestLoad_RateLimitAndOrigins(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", testKey)
	t.Setenv("RATELIMIT_OPERATOR_RATE", "5")
	t.Setenv("RATELIMIT_OPERATOR_WINDOW", "10s")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.RateLimit.IPRate)
	assert.Equal(t, 5, cfg.RateLimit.OperatorRate)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.OperatorWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)

	t.Setenv("RATELIMIT_IP_RATE", "-1")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
