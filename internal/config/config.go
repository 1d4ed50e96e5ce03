// Package config manages rewind configuration and the .migration-backups
// directory structure. It handles loading, saving, and initializing the
// per-project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	MetaDir      = ".migration-backups"
	ConfigFile   = "config.toml"
	IndexFile    = "index.log"
	DatabaseFile = "state.db"
	BlobsDir     = "blobs"
	UndoDir      = "undo"
	LockFile     = "lock"
	IgnoreFile   = ".rewindignore"
)

// Default values applied when the config file omits a field.
const (
	DefaultKeepCheckpoints = 10
	DefaultLockTimeout     = 30
)

// CheckpointConfig controls checkpoint creation.
type CheckpointConfig struct {
	Workers int      `toml:"workers"`
	Ignore  []string `toml:"ignore"`
}

// RollbackConfig controls rollback behaviour.
type RollbackConfig struct {
	AutoBackup bool `toml:"auto_backup"`
	DeepVerify bool `toml:"deep_verify"`
}

// CleanupConfig controls retention.
type CleanupConfig struct {
	KeepCheckpoints int `toml:"keep_checkpoints"`
}

// LockConfig controls the project lock.
type LockConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// AuditConfig controls where audit events are delivered.
type AuditConfig struct {
	WebhookURLs []string `toml:"webhook_urls"`
}

// Config represents the rewind configuration
type Config struct {
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Rollback   RollbackConfig   `toml:"rollback"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
	Lock       LockConfig       `toml:"lock"`
	Audit      AuditConfig      `toml:"audit"`
	path       string           // path to the metadata directory
}

// Default returns the configuration used when none is stored.
func Default() *Config {
	return &Config{
		Checkpoint: CheckpointConfig{Ignore: []string{}},
		Rollback:   RollbackConfig{AutoBackup: true},
		Cleanup:    CleanupConfig{KeepCheckpoints: DefaultKeepCheckpoints},
		Lock:       LockConfig{TimeoutSeconds: DefaultLockTimeout},
		Audit:      AuditConfig{WebhookURLs: []string{}},
	}
}

// FindRoot finds the project root by walking up from dir until a directory
// containing .migration-backups is found.
func FindRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		metaPath := filepath.Join(dir, MetaDir)
		if info, err := os.Stat(metaPath); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a rewind project (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration for the project rooted at root. A missing
// config file yields the defaults.
func Load(root string) (*Config, error) {
	metaPath := filepath.Join(root, MetaDir)
	if info, err := os.Stat(metaPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("not a rewind project: %s", root)
	}

	cfg := Default()
	cfg.path = metaPath

	data, err := os.ReadFile(filepath.Join(metaPath, ConfigFile))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the engine cannot work with.
func (c *Config) Validate() error {
	if c.Checkpoint.Workers < 0 {
		return fmt.Errorf("checkpoint.workers must not be negative")
	}
	if c.Cleanup.KeepCheckpoints < 0 {
		return fmt.Errorf("cleanup.keep_checkpoints must not be negative")
	}
	if c.Lock.TimeoutSeconds < 0 {
		return fmt.Errorf("lock.timeout_seconds must not be negative")
	}
	return nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// Initialize creates a new .migration-backups directory under root with the
// default configuration.
func Initialize(root string) (*Config, error) {
	metaPath := filepath.Join(root, MetaDir)

	if _, err := os.Stat(metaPath); err == nil {
		return nil, fmt.Errorf("rewind project already exists at %s", root)
	}

	for _, dir := range []string{metaPath, filepath.Join(metaPath, BlobsDir), filepath.Join(metaPath, UndoDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			os.RemoveAll(metaPath)
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	cfg := Default()
	cfg.path = metaPath

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(metaPath)
		return nil, err
	}

	return cfg, nil
}

// MetaPath returns the path to the .migration-backups directory
func (c *Config) MetaPath() string {
	return c.path
}

// IndexPath returns the path to the checkpoint index log
func (c *Config) IndexPath() string {
	return filepath.Join(c.path, IndexFile)
}

// DatabasePath returns the path to the SQLite state database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// BlobsPath returns the path to the blob store
func (c *Config) BlobsPath() string {
	return filepath.Join(c.path, BlobsDir)
}

// UndoPath returns the path to the rollback undo journals
func (c *Config) UndoPath() string {
	return filepath.Join(c.path, UndoDir)
}

// LockPath returns the path to the advisory lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.path, LockFile)
}

// Workers returns the hashing parallelism.
func (c *Config) Workers() int {
	if c.Checkpoint.Workers > 0 {
		return c.Checkpoint.Workers
	}
	return runtime.NumCPU()
}

// LockTimeout returns how long to wait for the project lock.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}
