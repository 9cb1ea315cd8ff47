package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "remindd.db", cfg.DBPath)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 100, cfg.BatchLimit)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "UTC", cfg.DefaultTimezone)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("REMINDD_POLL_INTERVAL", "100ms")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("REMINDD_DEFAULT_TIMEZONE", "Nowhere/Special")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REMINDD_BATCH_LIMIT", "25")
	t.Setenv("REMINDD_WEBHOOK_URL", "https://hooks.example.com/notify")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchLimit)
	assert.Equal(t, "https://hooks.example.com/notify", cfg.WebhookURL)
}
