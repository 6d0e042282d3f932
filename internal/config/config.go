package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`

	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// DeleteRate caps destructive requests per second; zero disables the limit.
	DeleteRate  float64 `yaml:"delete_rate"`
	DeleteBurst int     `yaml:"delete_burst"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// EngineConfig contains the synchronization engine switches.
type EngineConfig struct {
	// EqualitySupport resolves redirected pages to their target and merges
	// identifiers when a redirect is created.
	EqualitySupport  bool `yaml:"equality_support"`
	EnableUpdateJobs bool `yaml:"enable_update_jobs"`
	DeferStatistics  bool `yaml:"defer_statistics"`
	IDCacheSize      int  `yaml:"id_cache_size"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	DisposalInterval  Duration `yaml:"disposal_interval"`
	DisposalBatchSize int      `yaml:"disposal_batch_size"`
	// DisposalRate is the number of identifiers disposed per second.
	DisposalRate      float64  `yaml:"disposal_rate"`

	// SnapshotInterval is the period between database snapshots. Zero
	// disables the snapshot worker.
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// SnapshotStorageConfig configures S3-compatible upload of snapshots.
// An empty Bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	Prefix    string   `yaml:"prefix"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	configPath := getEnv("FACTSTORE_CONFIG_PATH", "config/factstore.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
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
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DeleteRate:      10,
			DeleteBurst:     20,
		},
		Database: DatabaseConfig{
			Path: "data/factstore.db",
		},
		Engine: EngineConfig{
			EqualitySupport:  true,
			EnableUpdateJobs: true,
			IDCacheSize:      10000,
		},
		Worker: WorkerConfig{
			DisposalInterval:  Duration(1 * time.Hour),
			DisposalBatchSize: 500,
			DisposalRate:      50,
			SnapshotInterval:  Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		SnapshotStorage: SnapshotStorageConfig{
			Prefix:    "factstore",
			URLExpiry: Duration(15 * time.Minute),
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

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FACTSTORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("FACTSTORE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FACTSTORE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FACTSTORE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envFloat("FACTSTORE_DELETE_RATE", &cfg.Server.DeleteRate)
	envInt("FACTSTORE_DELETE_BURST", &cfg.Server.DeleteBurst)

	// Database
	if v := os.Getenv("FACTSTORE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("FACTSTORE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Engine
	envBool("FACTSTORE_EQUALITY_SUPPORT", &cfg.Engine.EqualitySupport)
	envBool("FACTSTORE_ENABLE_UPDATE_JOBS", &cfg.Engine.EnableUpdateJobs)
	envBool("FACTSTORE_DEFER_STATISTICS", &cfg.Engine.DeferStatistics)
	envInt("FACTSTORE_ID_CACHE_SIZE", &cfg.Engine.IDCacheSize)

	// Worker
	envDuration("FACTSTORE_DISPOSAL_INTERVAL", &cfg.Worker.DisposalInterval)
	envInt("FACTSTORE_DISPOSAL_BATCH_SIZE", &cfg.Worker.DisposalBatchSize)
	envFloat("FACTSTORE_DISPOSAL_RATE", &cfg.Worker.DisposalRate)
	envDuration("FACTSTORE_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)

	// Snapshot storage
	envString("FACTSTORE_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("FACTSTORE_SNAPSHOT_PREFIX", &cfg.SnapshotStorage.Prefix)
	envString("FACTSTORE_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("FACTSTORE_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("FACTSTORE_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("FACTSTORE_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	if v := os.Getenv("FACTSTORE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("FACTSTORE_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)

	// Log
	if v := os.Getenv("FACTSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FACTSTORE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
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

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// validate checks value ranges shared by every command.
func (c *Config) validate() error {
	if c.Engine.IDCacheSize <= 0 {
		return errors.New("engine.id_cache_size must be positive")
	}
	if c.Worker.DisposalBatchSize <= 0 {
		return errors.New("worker.disposal_batch_size must be positive")
	}
	if c.Worker.DisposalInterval <= 0 {
		return errors.New("worker.disposal_interval must be positive")
	}
	if c.Worker.SnapshotInterval < 0 {
		return errors.New("worker.snapshot_interval must not be negative")
	}
	if c.SnapshotStorage.Bucket != "" && c.SnapshotStorage.Endpoint == "" {
		return errors.New("snapshot_storage.endpoint is required when a bucket is set")
	}
	if c.Worker.DisposalRate < 0 || c.Server.DeleteRate < 0 {
		return errors.New("rates must not be negative")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

// ValidateServer checks the settings only the HTTP server needs.
// In dev mode (FACTSTORE_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if os.Getenv("FACTSTORE_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("FACTSTORE_API_KEY is required")
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
