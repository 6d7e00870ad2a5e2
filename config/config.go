package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port        string `env:"PORT" envDefault:"8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// FrontendURL is the base the magic link is built from.
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000" validate:"required,url"`

	// WebhookURL may be empty at load time; dispatch operations reject a
	// missing endpoint as a configuration error when they run.
	WebhookURL         string `env:"WEBHOOK_URL"          validate:"omitempty,url"`
	WebhookTimeoutSec  int    `env:"WEBHOOK_TIMEOUT_SEC"  envDefault:"30" validate:"min=1,max=300"`
	DispatchBatchSize  int    `env:"DISPATCH_BATCH_SIZE"  envDefault:"500" validate:"min=1,max=10000"`
	MaxWebhookAttempts int    `env:"MAX_WEBHOOK_ATTEMPTS" envDefault:"0" validate:"min=0"`

	// RunSchedule drives the periodic reconcile+dispatch loop.
	RunSchedule string `env:"RUN_SCHEDULE" envDefault:"0 * * * *"`

	// JWTSecret is only needed by the API server; cmd/server enforces it.
	JWTSecret string `env:"JWT_SECRET" validate:"omitempty,min=32"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`
	AdminEmail   string `env:"ADMIN_EMAIL"    validate:"omitempty,email"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}
