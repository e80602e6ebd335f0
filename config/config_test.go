package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	connect, err := cfg.Sync.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, connect)

	read, err := cfg.Sync.GetReadTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, read)

	write, err := cfg.Sync.GetWriteTimeout()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, write)

	ceiling, err := cfg.HTTPAPI.GetMaxTimeout()
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, ceiling)
}

func TestLoadConfigFromFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "  debug  "

[sync]
interval = "90s"
max_sessions_per_account = 5

[cache]
path = "/tmp/mailbox.db"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level, "strings are trimmed")
	assert.Equal(t, 5, cfg.Sync.GetMaxSessions())
	interval, err := cfg.Sync.GetInterval()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, interval)
	assert.Equal(t, "/tmp/mailbox.db", cfg.Cache.Path)

	// Untouched sections keep their defaults.
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "30s", cfg.Sync.ConnectTimeout)
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.toml"), &cfg)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadConfigFromFileSyntaxError(t *testing.T) {
	path := writeConfig(t, "[sync]\ndebug = t\n")
	cfg := NewDefaultConfig()
	require.Error(t, LoadConfigFromFile(path, &cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad duration", func(c *Config) { c.Sync.ReadTimeout = "soon" }, "sync.read_timeout"},
		{"zero duration", func(c *Config) { c.Sync.WriteTimeout = "0s" }, "must be positive"},
		{"default above ceiling", func(c *Config) { c.HTTPAPI.DefaultTimeout = "700s" }, "exceeds"},
		{"api without key", func(c *Config) { c.HTTPAPI.Start = true }, "api_key"},
		{"missing cache path", func(c *Config) { c.Cache.Path = "" }, "cache.path"},
		{"short key", func(c *Config) { c.Credentials.EncryptionKey = "abcd" }, "encryption_key"},
		{"backoff multiplier", func(c *Config) { c.Sync.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnString(t *testing.T) {
	d := DatabaseConfig{Host: "db", User: "u", Password: "p", Name: "archive", TLSMode: true}
	assert.Equal(t, "postgres://u:p@db:5432/archive?sslmode=require", d.ConnString())
}
