// Package config loads gardenq settings. Values are layered: built-in
// defaults, then the YAML file at $XDG_CONFIG_HOME/gardenq/config.yaml, then
// a .env file in the working directory, then GARDENQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/gardenq/internal/conflict"
	"github.com/kalambet/gardenq/internal/dedup"
	"github.com/kalambet/gardenq/internal/quota"
	"github.com/kalambet/gardenq/internal/retry"
	"github.com/kalambet/gardenq/internal/syncer"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GARDENQ_"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Sync      SyncConfig      `yaml:"sync" envPrefix:"SYNC_"`
	Retry     RetryConfig     `yaml:"retry" envPrefix:"RETRY_"`
	Dedup     DedupConfig     `yaml:"dedup" envPrefix:"DEDUP_"`
	Conflict  ConflictConfig  `yaml:"conflict" envPrefix:"CONFLICT_"`
	Remote    RemoteConfig    `yaml:"remote" envPrefix:"REMOTE_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type StorageConfig struct {
	DataDir          string        `yaml:"data_dir" env:"DATA_DIR"`
	QuotaBytes       int64         `yaml:"quota_bytes" env:"QUOTA_BYTES"`
	MaxAge           time.Duration `yaml:"max_age" env:"MAX_AGE"`
	MaxItems         int           `yaml:"max_items" env:"MAX_ITEMS"`
	CleanupThreshold int           `yaml:"cleanup_threshold" env:"CLEANUP_THRESHOLD"`
	AutoCleanup      bool          `yaml:"auto_cleanup" env:"AUTO_CLEANUP"`
	FailedGrace      time.Duration `yaml:"failed_grace" env:"FAILED_GRACE"`
}

type SyncConfig struct {
	AutoSync bool          `yaml:"auto_sync" env:"AUTO_SYNC"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	LeaseTTL time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay      time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

type DedupConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	CheckRemote bool          `yaml:"check_remote" env:"CHECK_REMOTE"`
	TimeWindow  time.Duration `yaml:"time_window" env:"TIME_WINDOW"`
	Threshold   float64       `yaml:"threshold" env:"THRESHOLD"`
}

type ConflictConfig struct {
	AutoResolve bool `yaml:"auto_resolve" env:"AUTO_RESOLVE"`
	PreferLocal bool `yaml:"prefer_local" env:"PREFER_LOCAL"`
}

type RemoteConfig struct {
	IndexerURL    string        `yaml:"indexer_url" env:"INDEXER_URL"`
	SignerURL     string        `yaml:"signer_url" env:"SIGNER_URL"`
	SignerToken   string        `yaml:"-" env:"SIGNER_TOKEN"`
	ContentURL    string        `yaml:"content_url" env:"CONTENT_URL"`
	ContentToken  string        `yaml:"-" env:"CONTENT_TOKEN"`
	ProbeURL      string        `yaml:"probe_url" env:"PROBE_URL"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	AMQPURL      string `yaml:"-" env:"AMQP_URL"`
	AMQPExchange string `yaml:"amqp_exchange" env:"AMQP_EXCHANGE"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			DataDir:          defaultDataDir(),
			QuotaBytes:       50 << 20,
			MaxAge:           30 * 24 * time.Hour,
			MaxItems:         1000,
			CleanupThreshold: 80,
			AutoCleanup:      true,
			FailedGrace:      7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			AutoSync: true,
			Interval: 30 * time.Second,
			LeaseTTL: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:        5,
			InitialDelay:      2 * time.Second,
			MaxDelay:          5 * time.Minute,
			BackoffMultiplier: 2,
		},
		Dedup: DedupConfig{
			Enabled:     true,
			CheckRemote: true,
			TimeWindow:  24 * time.Hour,
			Threshold:   0.8,
		},
		Conflict: ConflictConfig{
			AutoResolve: false,
			PreferLocal: true,
		},
		Remote: RemoteConfig{
			ProbeInterval: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			AMQPExchange: "gardenq.events",
		},
	}
}

// Load reads the config file, the working directory .env file and the
// process environment on top of defaults.
func Load() (Config, error) {
	environ := env.ToMap(os.Environ())
	dotenv, err := godotenv.Read(".env")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("reading .env: %w", err)
	}
	return loadWith(configFilePath(), mergeEnv(dotenv, environ))
}

// mergeEnv layers process variables over .env values; godotenv never
// overrides a variable that is already set.
func mergeEnv(dotenv, environ map[string]string) map[string]string {
	out := make(map[string]string, len(dotenv)+len(environ))
	for k, v := range dotenv {
		out[k] = v
	}
	for k, v := range environ {
		out[k] = v
	}
	return out
}

func loadWith(path string, environ map[string]string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := parseEnv(&cfg, environ); err != nil {
		return Config{}, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parseEnv applies GARDENQ_* variables; unset variables leave fields alone.
func parseEnv(cfg *Config, environ map[string]string) error {
	return env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	})
}

// Validate reports every setting that cannot be used as given.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Storage.CleanupThreshold < 1 || c.Storage.CleanupThreshold > 100 {
		errs = append(errs, fmt.Errorf("storage.cleanup_threshold must be 1-100, got %d", c.Storage.CleanupThreshold))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold must be in (0, 1], got %v", c.Dedup.Threshold))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.Retry.MaxRetries,
		InitialDelay:      c.Retry.InitialDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	}
}

func (c Config) QuotaSettings() quota.Settings {
	return quota.Settings{
		QuotaBytes:       c.Storage.QuotaBytes,
		MaxAge:           c.Storage.MaxAge,
		MaxItems:         c.Storage.MaxItems,
		CleanupThreshold: c.Storage.CleanupThreshold,
		AutoCleanup:      c.Storage.AutoCleanup,
		FailedGrace:      c.Storage.FailedGrace,
	}
}

func (c Config) DedupSettings() dedup.Settings {
	return dedup.Settings{
		Enabled:     c.Dedup.Enabled,
		CheckRemote: c.Dedup.CheckRemote && c.Remote.IndexerURL != "",
		TimeWindow:  c.Dedup.TimeWindow,
		Threshold:   c.Dedup.Threshold,
	}
}

// ConflictSettings looks back over the dedup window for remote edits.
func (c Config) ConflictSettings() conflict.Settings {
	return conflict.Settings{
		AutoResolve: c.Conflict.AutoResolve,
		PreferLocal: c.Conflict.PreferLocal,
		Window:      c.Dedup.TimeWindow,
	}
}

func (c Config) SyncSettings() syncer.Settings {
	return syncer.Settings{
		AutoSync:     c.Sync.AutoSync,
		SyncInterval: c.Sync.Interval,
		LeaseTTL:     c.Sync.LeaseTTL,
		Retry:        c.RetryPolicy(),
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "gardenq-data"
		}
	}
	return filepath.Join(dir, "gardenq")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "gardenq", "config.yaml")
}

// FilePath returns where SetKey writes.
func FilePath() string {
	return configFilePath()
}
