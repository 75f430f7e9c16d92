// Package config loads syncstore's process configuration.
// Precedence is defaults, then an optional YAML file, then environment
// variable overrides — the same layering engram uses for its own config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	BlobStore   BlobStoreConfig   `yaml:"blob_store"`
	Worker      WorkerConfig      `yaml:"worker"`
	Log         LogConfig         `yaml:"log"`
	Host        HostConfig        `yaml:"-"` // host signals: env-only, never persisted to YAML
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// DatabaseConfig contains per-user embedded engine settings.
type DatabaseConfig struct {
	// ScratchDir holds the live SQLite file backing the currently open
	// UserDatabase. It is scratch space, not the source of truth — the
	// blob store is.
	ScratchDir string `yaml:"scratch_dir"`
}

// BlobStoreConfig contains PersistentBlobStore (Badger) settings.
type BlobStoreConfig struct {
	Dir            string   `yaml:"dir"`
	OperationTimeout Duration `yaml:"operation_timeout"`
}

// WorkerConfig contains AutoPersistScheduler and push-queue compaction
// settings.
type WorkerConfig struct {
	PersistInterval   Duration `yaml:"persist_interval"`
	CompactionRetention Duration `yaml:"compaction_retention"`
	CompactionAuditDir  string   `yaml:"compaction_audit_dir"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiagnosticsConfig contains the optional debug-introspection HTTP server.
type DiagnosticsConfig struct {
	Enabled bool `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HostConfig carries spec §6.4's host signals. These are never read from
// YAML: they are declared by whatever embeds syncstore (a CLI flag, a test
// harness, an operator), so only environment variables set them.
type HostConfig struct {
	// ForcedReset mirrors a host-defined "user asked for a full wipe" marker.
	ForcedReset bool
	// AutomatedTestMode disables the AutoPersistScheduler and the dev-only
	// persist-verification read-back, matching spec §4.H/§4.G.
	AutomatedTestMode bool
	// DiagnosticVerbose makes the diagnostics server include the current
	// user id in its debug-state response. It does not turn on any extra
	// tracing in the blob store, schema bootstrap, or lifecycle components.
	DiagnosticVerbose bool
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
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SYNCSTORE_CONFIG_PATH", "config/syncstore.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification; the file must exist.
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
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			ScratchDir: "data/scratch",
		},
		BlobStore: BlobStoreConfig{
			Dir:              "data/blobstore",
			OperationTimeout: Duration(5 * time.Second),
		},
		Worker: WorkerConfig{
			PersistInterval:     Duration(30 * time.Second),
			CompactionRetention: Duration(30 * 24 * time.Hour),
			CompactionAuditDir:  "data/push-queue-audit",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9595",
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
// Only non-empty/recognized env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYNCSTORE_SCRATCH_DIR"); v != "" {
		cfg.Database.ScratchDir = v
	}
	if v := os.Getenv("SYNCSTORE_BLOBSTORE_DIR"); v != "" {
		cfg.BlobStore.Dir = v
	}
	if v := os.Getenv("SYNCSTORE_BLOBSTORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BlobStore.OperationTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCSTORE_PERSIST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PersistInterval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCSTORE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SYNCSTORE_DIAGNOSTICS_ENABLED"); v != "" {
		cfg.Diagnostics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_DIAGNOSTICS_ADDR"); v != "" {
		cfg.Diagnostics.Addr = v
	}

	// Host signals (§6.4) — env-only by design, never persisted.
	if v := os.Getenv("SYNCSTORE_FORCE_RESET"); v != "" {
		cfg.Host.ForcedReset = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_TEST_MODE"); v != "" {
		cfg.Host.AutomatedTestMode = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCSTORE_DIAGNOSTIC_VERBOSE"); v != "" {
		cfg.Host.DiagnosticVerbose = v == "true" || v == "1"
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
