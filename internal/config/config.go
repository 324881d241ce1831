// Package config loads service settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Environment string `yaml:"environment" env:"ALERTS_ENV"`
	RulesPath   string `yaml:"rules_path" env:"SEVERITY_RULES_PATH"`

	HTTP     HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine" envPrefix:"ENGINE_"`
	Dispatch DispatchConfig `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	NATS     NATSConfig     `yaml:"nats" envPrefix:"NATS_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"DB_"`
	Email    EmailConfig    `yaml:"email" envPrefix:"POSTMARK_"`
	SMS      SMSConfig      `yaml:"sms" envPrefix:"MQTT_"`
	Archive  ArchiveConfig  `yaml:"archive" envPrefix:"MINIO_"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATELIMIT_"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type AuthConfig struct {
	JWTSigningKey string        `yaml:"jwt_signing_key" env:"JWT_SIGNING_KEY"`
	TokenTTL      time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL"`
}

type EngineConfig struct {
	Workers          int           `yaml:"workers" env:"WORKERS"`
	MaxInflightPush  int           `yaml:"max_inflight_push" env:"MAX_INFLIGHT_PUSH"`
	MaxInflightEmail int           `yaml:"max_inflight_email" env:"MAX_INFLIGHT_EMAIL"`
	MaxInflightSMS   int           `yaml:"max_inflight_sms" env:"MAX_INFLIGHT_SMS"`
	DedupSize        int           `yaml:"dedup_size" env:"DEDUP_SIZE"`
	DedupTTL         time.Duration `yaml:"dedup_ttl" env:"DEDUP_TTL"`
	RecentSize       int           `yaml:"recent_size" env:"RECENT_SIZE"`
}

type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseBackoff    time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
}

// RedisConfig enables the Redis delivery history when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// NATSConfig enables detection ingest when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url" env:"URL"`
	Subject string `yaml:"subject" env:"SUBJECT"`
	Queue   string `yaml:"queue" env:"QUEUE"`
}

// PostgresConfig enables durable recipients when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// EmailConfig uses Postmark when ServerToken is set and logs otherwise.
type EmailConfig struct {
	ServerToken  string `yaml:"server_token" env:"SERVER_TOKEN"`
	AccountToken string `yaml:"account_token" env:"ACCOUNT_TOKEN"`
	From         string `yaml:"from" env:"FROM"`
	ReplyTo      string `yaml:"reply_to" env:"REPLY_TO"`
}

// SMSConfig enables the MQTT SMS gateway when BrokerURL is set.
type SMSConfig struct {
	BrokerURL string `yaml:"broker_url" env:"BROKER_URL"`
	Username  string `yaml:"username" env:"USERNAME"`
	Password  string `yaml:"password" env:"PASSWORD"`
	ClientID  string `yaml:"client_id" env:"CLIENT_ID"`
	BaseTopic string `yaml:"base_topic" env:"BASE_TOPIC"`
}

// ArchiveConfig enables MinIO archiving when Endpoint and keys are set.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// RateLimitConfig caps event submission. It needs Redis; a zero rate
// disables that scope.
type RateLimitConfig struct {
	IPRate         int           `yaml:"ip_rate" env:"IP_RATE"`
	IPWindow       time.Duration `yaml:"ip_window" env:"IP_WINDOW"`
	OperatorRate   int           `yaml:"operator_rate" env:"OPERATOR_RATE"`
	OperatorWindow time.Duration `yaml:"operator_window" env:"OPERATOR_WINDOW"`
	Salt           string        `yaml:"salt" env:"SALT"`
}

func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.AccessKey != "" && a.SecretKey != ""
}

func Default() Config {
	return Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Addr:            ":8090",
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{TokenTTL: 12 * time.Hour},
		Engine: EngineConfig{
			Workers:          32,
			MaxInflightPush:  256,
			MaxInflightEmail: 64,
			MaxInflightSMS:   32,
			DedupSize:        10000,
			DedupTTL:         10 * time.Minute,
			RecentSize:       10000,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			BaseBackoff:    2 * time.Second,
			AttemptTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{Retention: 7 * 24 * time.Hour},
		NATS:  NATSConfig{Subject: "detections.>", Queue: "vms-alerts"},
		Email: EmailConfig{From: "alerts@localhost"},
		SMS:   SMSConfig{ClientID: "vms-alerts", BaseTopic: "vms"},
		Archive: ArchiveConfig{Bucket: "vms-alerts"},
		RateLimit: RateLimitConfig{
			IPRate:         600,
			IPWindow:       time.Minute,
			OperatorRate:   300,
			OperatorWindow: time.Minute,
		},
	}
}

// Load applies path (if non-empty) and the environment over Default.
// A missing file at path is an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		problems = append(problems, "http.addr is required")
	}
	if len(c.Auth.JWTSigningKey) < 16 {
		problems = append(problems, "auth.jwt_signing_key must be at least 16 bytes")
	}
	if c.Dispatch.MaxAttempts < 1 {
		problems = append(problems, "dispatch.max_attempts must be >= 1")
	}
	if c.Dispatch.BaseBackoff <= 0 || c.Dispatch.AttemptTimeout <= 0 {
		problems = append(problems, "dispatch.base_backoff and dispatch.attempt_timeout must be positive")
	}
	if c.Engine.Workers < 1 {
		problems = append(problems, "engine.workers must be >= 1")
	}
	if c.Engine.MaxInflightPush < 1 || c.Engine.MaxInflightEmail < 1 || c.Engine.MaxInflightSMS < 1 {
		problems = append(problems, "engine.max_inflight_* must be >= 1")
	}
	if c.Email.ServerToken != "" && c.Email.From == "" {
		problems = append(problems, "email.from is required with a server token")
	}
	if c.Archive.Enabled() && c.Archive.Bucket == "" {
		problems = append(problems, "archive.bucket is required")
	}
	if c.RateLimit.IPRate < 0 || c.RateLimit.OperatorRate < 0 {
		problems = append(problems, "rate_limit rates must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
