// Package config loads engine configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr              string        `envconfig:"ADDR" default:":8080" validate:"required"`
	DBPath            string        `envconfig:"DB_PATH" default:"remindd.db" validate:"required"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"15s"`
	BatchLimit        int           `envconfig:"BATCH_LIMIT" default:"100" validate:"gte=1"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5" validate:"gte=1"`
	Concurrency       int           `envconfig:"CONCURRENCY" default:"8" validate:"gte=1"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"60s"`
	DefaultTimezone   string        `envconfig:"DEFAULT_TIMEZONE" default:"UTC"`
	WebhookURL        string        `envconfig:"WEBHOOK_URL" validate:"omitempty,url"`
	NotifyCommand     string        `envconfig:"NOTIFY_COMMAND"`
	EnableDebug       bool          `envconfig:"ENABLE_DEBUG"`
}

// Load reads the optional .env file, processes REMINDD_* variables and
// validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("remindd", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	if cfg.PollInterval < time.Second {
		return Config{}, fmt.Errorf("poll interval %s is below 1s", cfg.PollInterval)
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return Config{}, fmt.Errorf("default timezone: %w", err)
	}
	return cfg, nil
}
