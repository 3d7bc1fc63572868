// Package config holds the service configuration, loaded from a YAML file
// and reloadable while the service runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bobmatnyc/sessiond/engine"
	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/paths"
)

const (
	// DefaultMaxConcurrent bounds simultaneously running engine turns.
	DefaultMaxConcurrent = 5

	// DefaultTurnTimeout applies when a request carries no timeout.
	DefaultTurnTimeout = 5 * time.Minute

	// DefaultRetention is how long terminal sessions stay listed.
	DefaultRetention = 24 * time.Hour
)

// Config holds the service configuration
type Config struct {
	EngineProfile     string   `yaml:"engine_profile,omitempty"`      // Engine profile name from engines.toml
	EngineBinary      string   `yaml:"engine_binary,omitempty"`       // Binary override for the selected profile
	ModeFlags         []string `yaml:"mode_flags,omitempty"`          // Streaming mode flags override
	CredentialEnv     []string `yaml:"credential_env,omitempty"`      // Credential variables override
	MaxConcurrent     int      `yaml:"max_concurrent,omitempty"`      // Simultaneously running turns (default 5)
	DefaultTimeoutSec int      `yaml:"default_timeout_sec,omitempty"` // Per-turn timeout in seconds (default 300)
	RetentionMin      int      `yaml:"retention_min,omitempty"`       // Terminal session retention in minutes (default 1440)
	LogLevel          string   `yaml:"log_level,omitempty"`           // debug, info, warn, or error
	StoreBackend      string   `yaml:"store,omitempty"`               // "sqlite" or "memory" (default sqlite)
	DatabasePath      string   `yaml:"db_path,omitempty"`             // SQLite database location

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from the default location, or returns defaults if no
// file exists yet.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validate(c.MaxConcurrent, c.DefaultTimeoutSec, c.RetentionMin, c.LogLevel, c.StoreBackend)
}

func validate(maxConcurrent, timeoutSec, retentionMin int, logLevel, backend string) error {
	if maxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative, got %d", maxConcurrent)
	}
	if timeoutSec < 0 {
		return fmt.Errorf("default_timeout_sec must not be negative, got %d", timeoutSec)
	}
	if retentionMin < 0 {
		return fmt.Errorf("retention_min must not be negative, got %d", retentionMin)
	}
	if _, err := logger.ParseLevel(logLevel); err != nil {
		return err
	}
	switch backend {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q, want sqlite or memory", backend)
	}
	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// Reload re-reads the file and applies the settings that are safe to change
// at runtime: timeout, retention, and log level. Concurrency and storage
// settings stay as they were at startup; a changed max_concurrent is logged
// so the operator knows a restart is needed.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.filePath
	c.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var incoming Config
	if err := yaml.Unmarshal(data, &incoming); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate(incoming.MaxConcurrent, incoming.DefaultTimeoutSec,
		incoming.RetentionMin, incoming.LogLevel, incoming.StoreBackend); err != nil {
		return err
	}

	c.mu.Lock()
	oldMax := c.MaxConcurrent
	c.DefaultTimeoutSec = incoming.DefaultTimeoutSec
	c.RetentionMin = incoming.RetentionMin
	c.LogLevel = incoming.LogLevel
	c.mu.Unlock()

	if incoming.MaxConcurrent != oldMax {
		logger.WithComponent("config").Warn("max_concurrent changed on disk, restart to apply",
			"running", oldMax, "configured", incoming.MaxConcurrent)
	}
	return nil
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// FilePath returns the path this config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// GetEngineProfile returns the profile name, defaulting to the built-in one.
func (c *Config) GetEngineProfile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.EngineProfile == "" {
		return engine.DefaultProfileName
	}
	return c.EngineProfile
}

// SetEngineProfile sets the profile name.
func (c *Config) SetEngineProfile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EngineProfile = name
}

// GetEngineBinary returns the binary override, or empty to use the profile's.
func (c *Config) GetEngineBinary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EngineBinary
}

// SetEngineBinary sets the binary override.
func (c *Config) SetEngineBinary(binary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EngineBinary = binary
}

// GetModeFlags returns a copy of the mode flags override, or nil to use the
// profile's.
func (c *Config) GetModeFlags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ModeFlags == nil {
		return nil
	}
	flags := make([]string, len(c.ModeFlags))
	copy(flags, c.ModeFlags)
	return flags
}

// GetCredentialEnv returns a copy of the credential variable override, or nil
// to use the profile's.
func (c *Config) GetCredentialEnv() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.CredentialEnv == nil {
		return nil
	}
	names := make([]string, len(c.CredentialEnv))
	copy(names, c.CredentialEnv)
	return names
}

// GetMaxConcurrent returns the turn concurrency bound, defaulting to 5.
func (c *Config) GetMaxConcurrent() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return c.MaxConcurrent
}

// SetMaxConcurrent sets the turn concurrency bound.
func (c *Config) SetMaxConcurrent(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MaxConcurrent = n
}

// GetDefaultTimeout returns the per-turn timeout, defaulting to 5 minutes.
func (c *Config) GetDefaultTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultTimeoutSec <= 0 {
		return DefaultTurnTimeout
	}
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// GetRetention returns how long terminal sessions are kept, defaulting to
// 24 hours.
func (c *Config) GetRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.RetentionMin <= 0 {
		return DefaultRetention
	}
	return time.Duration(c.RetentionMin) * time.Minute
}

// GetLogLevel returns the configured log level name, defaulting to info.
func (c *Config) GetLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// SetLogLevel sets the log level name.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogLevel = level
}

// GetStoreBackend returns the persistence backend name, defaulting to sqlite.
func (c *Config) GetStoreBackend() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.StoreBackend == "" {
		return "sqlite"
	}
	return c.StoreBackend
}

// SetStoreBackend sets the persistence backend name.
func (c *Config) SetStoreBackend(backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StoreBackend = backend
}

// GetDatabasePath returns the SQLite path override, or empty to use the
// default data directory.
func (c *Config) GetDatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DatabasePath
}

// SetDatabasePath sets the SQLite path override.
func (c *Config) SetDatabasePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DatabasePath = path
}
