// Package config reads the process configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"github.com/klipach/ultcom/chat"
)

const (
	SinkStdout = "stdout"
	SinkCloud  = "cloud"
)

var ErrNoProject = errors.New("project id is not configured and metadata server is unavailable")

type Config struct {
	ProjectID       string `env:"GOOGLE_CLOUD_PROJECT"`
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`

	Firebase struct {
		APIKey          string `env:"FIREBASE_API_KEY"`
		IdentityToolkit string `env:"IDENTITY_TOOLKIT_URL" envDefault:"https://identitytoolkit.googleapis.com/v1"`
	}

	Phone struct {
		DefaultCountryCode string `env:"DEFAULT_COUNTRY_CODE" envDefault:"+91"`
		MinDigits          int    `env:"MIN_PHONE_DIGITS" envDefault:"10"`
	}

	Log struct {
		Level     string `env:"LOG_LEVEL" envDefault:"info"`
		Sink      string `env:"LOG_SINK" envDefault:"stdout"`
		SentryDSN string `env:"SENTRY_DSN"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	SendDedupeTTL time.Duration `env:"SEND_DEDUPE_TTL" envDefault:"10m"`
	Port          string        `env:"PORT" envDefault:"8082"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// .env is optional; deployed functions get their variables directly
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Phone.MinDigits <= 0 {
		return nil, fmt.Errorf("MIN_PHONE_DIGITS must be positive, got %d", cfg.Phone.MinDigits)
	}
	switch cfg.Log.Sink {
	case SinkStdout, SinkCloud:
	default:
		return nil, fmt.Errorf("unknown LOG_SINK %q", cfg.Log.Sink)
	}
	return cfg, nil
}

// ResolveProjectID returns the configured project or asks the metadata
// server when running on GCP.
func (c *Config) ResolveProjectID(ctx context.Context) (string, error) {
	if c.ProjectID != "" {
		return c.ProjectID, nil
	}
	if !metadata.OnGCE() {
		return "", ErrNoProject
	}
	id, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoProject, err)
	}
	c.ProjectID = id
	return id, nil
}

func (c *Config) ClientOptions() []option.ClientOption {
	if c.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(c.CredentialsFile)}
}

func (c *Config) PhoneRules() chat.PhoneRules {
	return chat.PhoneRules{
		DefaultCountryCode: c.Phone.DefaultCountryCode,
		MinDigits:          c.Phone.MinDigits,
	}
}

// LogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
