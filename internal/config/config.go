package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldsync/internal/entity"
	fieldsync "github.com/fieldops/fieldsync/internal/sync"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Entities []entity.Kind  `yaml:"entities"`
	Backup   BackupConfig   `yaml:"backup"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains loopback HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains device database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains backend API settings.
type RemoteConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SyncConfig contains outbox, connectivity and hydration settings.
type SyncConfig struct {
	MaxAttempts        int      `yaml:"max_attempts"`
	BaseDelay          Duration `yaml:"base_delay"`
	MaxDelay           Duration `yaml:"max_delay"`
	ReconnectDebounce  Duration `yaml:"reconnect_debounce"`
	Interval           Duration `yaml:"interval"`
	ProbeInterval      Duration `yaml:"probe_interval"`
	ProbeTimeout       Duration `yaml:"probe_timeout"`
	HydrateDelay       Duration `yaml:"hydrate_delay"`
	HydrateConcurrency int      `yaml:"hydrate_concurrency"`
	PlaceholderPrefix  string   `yaml:"placeholder_prefix"`
}

// BackupConfig contains S3-compatible device backup settings.
// An empty bucket disables uploads.
type BackupConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
	Dir       string   `yaml:"dir"`
	DeviceID  string   `yaml:"device_id"`
}

// AuthConfig contains loopback API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RetryPolicy returns the outbox retry policy.
func (c *Config) RetryPolicy() fieldsync.RetryPolicy {
	return fieldsync.RetryPolicy{
		MaxAttempts: c.Sync.MaxAttempts,
		BaseDelay:   time.Duration(c.Sync.BaseDelay),
		MaxDelay:    time.Duration(c.Sync.MaxDelay),
	}
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadLocal loads configuration for maintenance commands that only touch the
// device database. Backend and API secrets are not required.
func LoadLocal() (*Config, error) {
	cfg := newDefaults()

	if err := loadYAMLFile(cfg, getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validateStructure(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used by tests and callers that pass an explicit path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            7420,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Remote: RemoteConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			MaxAttempts:        5,
			BaseDelay:          Duration(2 * time.Second),
			MaxDelay:           Duration(5 * time.Minute),
			ReconnectDebounce:  Duration(1 * time.Second),
			Interval:           Duration(5 * time.Minute),
			ProbeInterval:      Duration(30 * time.Second),
			ProbeTimeout:       Duration(5 * time.Second),
			HydrateDelay:       Duration(3 * time.Second),
			HydrateConcurrency: 3,
			PlaceholderPrefix:  fieldsync.DefaultPlaceholderPrefix,
		},
		Entities: entity.Defaults(),
		Backup: BackupConfig{
			Interval: Duration(6 * time.Hour),
			Dir:      "data/backups",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envString("FIELDSYNC_HOST", &cfg.Server.Host)
	envInt("FIELDSYNC_PORT", &cfg.Server.Port)
	envDuration("FIELDSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FIELDSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FIELDSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("FIELDSYNC_DB_PATH", &cfg.Database.Path)

	// Remote
	envString("FIELDSYNC_REMOTE_URL", &cfg.Remote.BaseURL)
	envString("FIELDSYNC_REMOTE_API_KEY", &cfg.Remote.APIKey)
	envDuration("FIELDSYNC_REQUEST_TIMEOUT", &cfg.Remote.RequestTimeout)

	// Sync
	envInt("FIELDSYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
	envDuration("FIELDSYNC_BASE_DELAY", &cfg.Sync.BaseDelay)
	envDuration("FIELDSYNC_MAX_DELAY", &cfg.Sync.MaxDelay)
	envDuration("FIELDSYNC_RECONNECT_DEBOUNCE", &cfg.Sync.ReconnectDebounce)
	envDuration("FIELDSYNC_SYNC_INTERVAL", &cfg.Sync.Interval)
	envDuration("FIELDSYNC_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)
	envDuration("FIELDSYNC_PROBE_TIMEOUT", &cfg.Sync.ProbeTimeout)
	envDuration("FIELDSYNC_HYDRATE_DELAY", &cfg.Sync.HydrateDelay)
	envString("FIELDSYNC_PLACEHOLDER_PREFIX", &cfg.Sync.PlaceholderPrefix)

	// Backup
	envString("FIELDSYNC_BACKUP_BUCKET", &cfg.Backup.Bucket)
	envString("FIELDSYNC_S3_ENDPOINT", &cfg.Backup.Endpoint)
	envString("FIELDSYNC_S3_REGION", &cfg.Backup.Region)
	envString("FIELDSYNC_S3_ACCESS_KEY", &cfg.Backup.AccessKey)
	envString("FIELDSYNC_S3_SECRET_KEY", &cfg.Backup.SecretKey)
	if v := os.Getenv("FIELDSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}
	envDuration("FIELDSYNC_BACKUP_INTERVAL", &cfg.Backup.Interval)
	envString("FIELDSYNC_BACKUP_DIR", &cfg.Backup.Dir)
	envString("FIELDSYNC_DEVICE_ID", &cfg.Backup.DeviceID)

	// Auth
	envString("FIELDSYNC_API_KEY", &cfg.Auth.APIKey)

	// Log
	envString("FIELDSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("FIELDSYNC_LOG_FORMAT", &cfg.Log.Format)
}

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// validate checks configuration consistency and required secrets.
// In dev mode (FIELDSYNC_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if err := c.validateStructure(); err != nil {
		return err
	}

	if os.Getenv("FIELDSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("FIELDSYNC_REMOTE_URL is required")
	}
	if c.Remote.APIKey == "" {
		return errors.New("FIELDSYNC_REMOTE_API_KEY is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("FIELDSYNC_API_KEY is required")
	}
	return nil
}

func (c *Config) validateStructure() error {
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be at least 1")
	}
	if c.Sync.BaseDelay < 0 || c.Sync.MaxDelay < 0 {
		return errors.New("sync delays must not be negative")
	}
	if !prefixPattern.MatchString(c.Sync.PlaceholderPrefix) {
		return fmt.Errorf("sync.placeholder_prefix %q must be lowercase alphanumeric", c.Sync.PlaceholderPrefix)
	}
	if len(c.Entities) == 0 {
		return errors.New("at least one entity store is required")
	}
	if _, err := entity.NewRegistry(c.Entities...); err != nil {
		return fmt.Errorf("entities: %w", err)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
