package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig controls the process-wide slog logger.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds the PostgreSQL endpoint that stores accounts, proxies
// and the mailbox purge queue.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
	LogQueries      bool   `toml:"log_queries"`
	AutoMigrate     bool   `toml:"auto_migrate"`
}

// ConnString renders the pgx connection string.
func (d *DatabaseConfig) ConnString() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.Name, sslMode)
}

// GetMaxConnLifetime parses the max connection lifetime
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	return parseDurationOr(d.MaxConnLifetime, time.Hour)
}

// GetMaxConnIdleTime parses the max connection idle time
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	return parseDurationOr(d.MaxConnIdleTime, 30*time.Minute)
}

// GetQueryTimeout parses the per-query timeout
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return parseDurationOr(d.QueryTimeout, 30*time.Second)
}

// CacheConfig locates the local SQLite mailbox cache.
type CacheConfig struct {
	Path string `toml:"path"`
}

// SyncConfig holds the per-account synchronization settings.
type SyncConfig struct {
	Interval              string  `toml:"interval"`                 // Pause between two discovery passes of one account
	MaxSessionsPerAccount int     `toml:"max_sessions_per_account"` // Upper bound of the per-account session pool
	AcquireTimeout        string  `toml:"acquire_timeout"`          // Max wait for a pooled session when the pool is exhausted
	IdleProbeAfter        string  `toml:"idle_probe_after"`         // Idle sessions older than this are NOOP-probed before reuse
	ConnectTimeout        string  `toml:"connect_timeout"`          // TCP/SOCKS5 connect ceiling
	ReadTimeout           string  `toml:"read_timeout"`             // Read idle bound while a command is in flight
	WriteTimeout          string  `toml:"write_timeout"`            // Write idle bound
	BackoffInitial        string  `toml:"backoff_initial"`          // First delay after a failed pass
	BackoffMax            string  `toml:"backoff_max"`              // Delay ceiling after repeated failures
	BackoffMultiplier     float64 `toml:"backoff_multiplier"`
	Debug                 bool    `toml:"debug"` // Print IMAP traffic to stderr
}

func (s *SyncConfig) GetInterval() (time.Duration, error) {
	return parseDurationOr(s.Interval, 5*time.Minute)
}

func (s *SyncConfig) GetAcquireTimeout() (time.Duration, error) {
	return parseDurationOr(s.AcquireTimeout, 30*time.Second)
}

func (s *SyncConfig) GetIdleProbeAfter() (time.Duration, error) {
	return parseDurationOr(s.IdleProbeAfter, time.Minute)
}

func (s *SyncConfig) GetConnectTimeout() (time.Duration, error) {
	return parseDurationOr(s.ConnectTimeout, 30*time.Second)
}

func (s *SyncConfig) GetReadTimeout() (time.Duration, error) {
	return parseDurationOr(s.ReadTimeout, 30*time.Second)
}

func (s *SyncConfig) GetWriteTimeout() (time.Duration, error) {
	return parseDurationOr(s.WriteTimeout, 15*time.Second)
}

func (s *SyncConfig) GetBackoffInitial() (time.Duration, error) {
	return parseDurationOr(s.BackoffInitial, 10*time.Second)
}

func (s *SyncConfig) GetBackoffMax() (time.Duration, error) {
	return parseDurationOr(s.BackoffMax, 10*time.Minute)
}

// GetMaxSessions returns the pool capacity, never less than one.
func (s *SyncConfig) GetMaxSessions() int {
	if s.MaxSessionsPerAccount <= 0 {
		return 1
	}
	return s.MaxSessionsPerAccount
}

// HTTPAPIConfig configures the archive API.
type HTTPAPIConfig struct {
	Start          bool     `toml:"start"`
	Addr           string   `toml:"addr"`
	APIKey         string   `toml:"api_key"`         // Bearer token required on every request
	AllowedHosts   []string `toml:"allowed_hosts"`   // Client IPs or CIDR blocks; empty allows all
	DefaultTimeout string   `toml:"default_timeout"` // Request timeout when no header is sent
	MaxTimeout     string   `toml:"max_timeout"`     // Hard ceiling for the header override
}

func (h *HTTPAPIConfig) GetDefaultTimeout() (time.Duration, error) {
	return parseDurationOr(h.DefaultTimeout, 30*time.Second)
}

func (h *HTTPAPIConfig) GetMaxTimeout() (time.Duration, error) {
	return parseDurationOr(h.MaxTimeout, 600*time.Second)
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// CredentialsConfig holds the key used to seal account secrets at rest.
type CredentialsConfig struct {
	EncryptionKey string `toml:"encryption_key"` // 64 hex characters (32 bytes); empty disables sealing
}

// Config is the root of config.toml.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Database    DatabaseConfig    `toml:"database"`
	Cache       CacheConfig       `toml:"cache"`
	Sync        SyncConfig        `toml:"sync"`
	HTTPAPI     HTTPAPIConfig     `toml:"http_api"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Credentials CredentialsConfig `toml:"credentials"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Name:            "mailarchive",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
			AutoMigrate:     true,
		},
		Cache: CacheConfig{
			Path: "/var/lib/mailarchive/mailbox.db",
		},
		Sync: SyncConfig{
			Interval:              "5m",
			MaxSessionsPerAccount: 3,
			AcquireTimeout:        "30s",
			IdleProbeAfter:        "1m",
			ConnectTimeout:        "30s",
			ReadTimeout:           "30s",
			WriteTimeout:          "15s",
			BackoffInitial:        "10s",
			BackoffMax:            "10m",
			BackoffMultiplier:     2.0,
		},
		HTTPAPI: HTTPAPIConfig{
			Start:          false,
			Addr:           ":15630",
			DefaultTimeout: "30s",
			MaxTimeout:     "600s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks every duration field and a few structural constraints.
func (c *Config) Validate() error {
	durations := map[string]func() (time.Duration, error){
		"database.max_conn_lifetime":  c.Database.GetMaxConnLifetime,
		"database.max_conn_idle_time": c.Database.GetMaxConnIdleTime,
		"database.query_timeout":      c.Database.GetQueryTimeout,
		"sync.interval":               c.Sync.GetInterval,
		"sync.acquire_timeout":        c.Sync.GetAcquireTimeout,
		"sync.idle_probe_after":       c.Sync.GetIdleProbeAfter,
		"sync.connect_timeout":        c.Sync.GetConnectTimeout,
		"sync.read_timeout":           c.Sync.GetReadTimeout,
		"sync.write_timeout":          c.Sync.GetWriteTimeout,
		"sync.backoff_initial":        c.Sync.GetBackoffInitial,
		"sync.backoff_max":            c.Sync.GetBackoffMax,
		"http_api.default_timeout":    c.HTTPAPI.GetDefaultTimeout,
		"http_api.max_timeout":        c.HTTPAPI.GetMaxTimeout,
	}
	for field, get := range durations {
		d, err := get()
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", field, d)
		}
	}

	def, _ := c.HTTPAPI.GetDefaultTimeout()
	ceiling, _ := c.HTTPAPI.GetMaxTimeout()
	if def > ceiling {
		return fmt.Errorf("http_api.default_timeout (%s) exceeds http_api.max_timeout (%s)", def, ceiling)
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when http_api.start is true")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Sync.BackoffMultiplier < 1 {
		return fmt.Errorf("sync.backoff_multiplier must be >= 1, got %v", c.Sync.BackoffMultiplier)
	}
	if key := c.Credentials.EncryptionKey; key != "" && len(key) != 64 {
		return fmt.Errorf("credentials.encryption_key must be 64 hex characters, got %d", len(key))
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file over cfg, warns about unknown keys
// and trims whitespace from all string fields.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()
	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: booleans must be exactly 'true' or 'false'", err)
	}
	return err
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

func parseDurationOr(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
