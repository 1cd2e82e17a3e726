// Package config handles configuration loading, validation, and management for phantomid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"phantomid/internal/logging"
	"phantomid/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete authority configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Identity configuration for minting and derivation.
	Identity IdentityConfig `toml:"identity" json:"identity" yaml:"identity"`

	// Entropy source configuration.
	Entropy EntropyConfig `toml:"entropy" json:"entropy" yaml:"entropy"`

	// Auth configuration for the challenge verifier.
	Auth AuthConfig `toml:"auth" json:"auth" yaml:"auth"`

	// Storage configuration for persisted records.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// IdentityConfig holds identity minting and derivation settings.
type IdentityConfig struct {
	// KeyTTLHours is how long a minted verification secret stays valid.
	KeyTTLHours int `toml:"key_ttl_hours" json:"key_ttl_hours" yaml:"key_ttl_hours"`

	// DerivedSalt selects the salt of derived identities: "inherit" or "fresh".
	DerivedSalt string `toml:"derived_salt" json:"derived_salt" yaml:"derived_salt"`

	// MaxPurposeLength is the longest accepted derivation purpose in bytes.
	MaxPurposeLength int `toml:"max_purpose_length" json:"max_purpose_length" yaml:"max_purpose_length"`
}

// EntropyConfig selects where randomness comes from.
type EntropyConfig struct {
	// Source is "system" (crypto/rand) or "tpm".
	Source string `toml:"source" json:"source" yaml:"source"`

	// TPMPath is the TPM device (Linux: /dev/tpmrm0, /dev/tpm0).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`
}

// AuthConfig holds challenge-response verifier limits.
// These are the only settings applied on hot reload.
type AuthConfig struct {
	// ChallengeTTLSec is how long an issued challenge may wait for a proof.
	ChallengeTTLSec int `toml:"challenge_ttl_sec" json:"challenge_ttl_sec" yaml:"challenge_ttl_sec"`

	// MaxPending caps outstanding challenges.
	MaxPending int `toml:"max_pending" json:"max_pending" yaml:"max_pending"`

	// IssueRatePerSec is the sustained challenge rate per subject.
	IssueRatePerSec float64 `toml:"issue_rate_per_sec" json:"issue_rate_per_sec" yaml:"issue_rate_per_sec"`

	// IssueBurst is the challenge burst per subject.
	IssueBurst int `toml:"issue_burst" json:"issue_burst" yaml:"issue_burst"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Format is the record layout: "binary", "cbor" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// IDDir holds identity records for the file backend.
	IDDir string `toml:"id_dir" json:"id_dir" yaml:"id_dir"`

	// KeyDir holds verification secret records for the file backend.
	KeyDir string `toml:"key_dir" json:"key_dir" yaml:"key_dir"`

	// IDDB is the identity database for the sqlite backend.
	IDDB string `toml:"id_db" json:"id_db" yaml:"id_db"`

	// KeyDB is the verification secret database for the sqlite backend.
	// It must be a different file from IDDB.
	KeyDB string `toml:"key_db" json:"key_db" yaml:"key_db"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Identity: IdentityConfig{
			KeyTTLHours:      720, // 30 days
			DerivedSalt:      "inherit",
			MaxPurposeLength: 256,
		},
		Entropy: EntropyConfig{
			Source:  "system",
			TPMPath: defaultTPMPath(),
		},
		Auth: AuthConfig{
			ChallengeTTLSec: 120,
			MaxPending:      10000,
			IssueRatePerSec: 5,
			IssueBurst:      10,
		},
		Storage: StorageConfig{
			Backend: "file",
			Format:  "binary",
			IDDir:   filepath.Join(dir, "identities"),
			KeyDir:  filepath.Join(dir, "keys"),
			IDDB:    filepath.Join(dir, "identities.db"),
			KeyDB:   filepath.Join(dir, "keys.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "phantomid.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "phantomid",
		},
	}
}

// ConfigPath returns the configuration file path, honouring PHANTOMID_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("PHANTOMID_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base phantomid directory.
// PHANTOMID_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("PHANTOMID_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// KeyTTL returns the verification secret lifetime.
func (c *Config) KeyTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Identity.KeyTTLHours) * time.Hour
}

// ChallengeTTL returns how long an issued challenge stays answerable.
func (c *Config) ChallengeTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Auth.ChallengeTTLSec) * time.Second
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	if c.Logging.MaxSizeMB > 0 {
		lc.MaxSize = int64(c.Logging.MaxSizeMB)
	}
	if c.Logging.MaxBackups > 0 {
		lc.MaxBackups = c.Logging.MaxBackups
	}
	return lc, nil
}

// EnsureDirectories creates the storage and log directories. Key
// storage is created owner-only.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	public := []string{filepath.Dir(c.Logging.FilePath)}
	secret := []string{}
	switch c.Storage.Backend {
	case "sqlite":
		public = append(public, filepath.Dir(c.Storage.IDDB))
		secret = append(secret, filepath.Dir(c.Storage.KeyDB))
	default:
		public = append(public, c.Storage.IDDir)
		secret = append(secret, c.Storage.KeyDir)
	}

	for _, dir := range public {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, security.PermPublicDir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	for _, dir := range secret {
		if dir == "" || dir == "." {
			continue
		}
		if err := security.EnsureSecureDir(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PHANTOMID_ and use underscores.
func (c *Config) ApplyEnvOverrides() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Logging overrides
	if v := os.Getenv("PHANTOMID_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PHANTOMID_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Entropy overrides
	if v := os.Getenv("PHANTOMID_ENTROPY_SOURCE"); v != "" {
		c.Entropy.Source = v
	}
	if v := os.Getenv("PHANTOMID_TPM_PATH"); v != "" {
		c.Entropy.TPMPath = v
	}

	// Storage overrides
	if v := os.Getenv("PHANTOMID_ID_DIR"); v != "" {
		c.Storage.IDDir = v
	}
	if v := os.Getenv("PHANTOMID_KEY_DIR"); v != "" {
		c.Storage.KeyDir = v
	}
	if v := os.Getenv("PHANTOMID_STORAGE_FORMAT"); v != "" {
		c.Storage.Format = v
	}

	// Identity overrides
	if v := os.Getenv("PHANTOMID_KEY_TTL_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PHANTOMID_KEY_TTL_HOURS: %w", err)
		}
		c.Identity.KeyTTLHours = hours
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Identity: c.Identity,
		Entropy:  c.Entropy,
		Auth:     c.Auth,
		Storage:  c.Storage,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
}
