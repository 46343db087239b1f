package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "does-not-exist")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.IdleWarningLead)
	assert.Equal(t, 30*time.Second, cfg.IdleSweepInterval)
	assert.Equal(t, 4*time.Second, cfg.TypingExpiry)
	assert.Equal(t, time.Duration(0), cfg.LockExpiry)
	assert.Equal(t, 50, cfg.ChatHistory)
	assert.Equal(t, 20, cfg.ChatRateLimit)
	assert.Equal(t, "replace", cfg.DuplicateJoinPolicy)
}

func TestValidate(t *testing.T) {
	valid := Config{
		IdleTimeout:         30 * time.Minute,
		IdleWarningLead:     time.Minute,
		IdleSweepInterval:   30 * time.Second,
		TypingExpiry:        4 * time.Second,
		ChatHistory:         50,
		DuplicateJoinPolicy: "replace",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }},
		{"warning lead exceeds timeout", func(c *Config) { c.IdleWarningLead = time.Hour }},
		{"zero sweep interval", func(c *Config) { c.IdleSweepInterval = 0 }},
		{"zero typing expiry", func(c *Config) { c.TypingExpiry = 0 }},
		{"negative lock expiry", func(c *Config) { c.LockExpiry = -time.Second }},
		{"negative chat history", func(c *Config) { c.ChatHistory = -1 }},
		{"bad duplicate join policy", func(c *Config) { c.DuplicateJoinPolicy = "evict" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
