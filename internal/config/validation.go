package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"phantomid/internal/codec"
	"phantomid/internal/logging"
	"phantomid/internal/zero"
)

// ErrInvalidConfig is matched by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrSeparation is reported when identity and key storage would share one store.
var ErrSeparation = errors.New("identity and key storage must be separate")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig, and any sentinel carried by an entry.
func (e ValidationErrors) Is(target error) bool {
	if target == ErrInvalidConfig {
		return true
	}
	for _, v := range e {
		if v.Err != nil && errors.Is(v.Err, target) {
			return true
		}
	}
	return false
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, v := range e {
		fields = append(fields, v.Field)
	}
	return fields
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateIdentity(&c.Identity)...)
	errs = append(errs, validateEntropy(&c.Entropy)...)
	errs = append(errs, validateAuth(&c.Auth)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateIdentity(i *IdentityConfig) ValidationErrors {
	var errs ValidationErrors

	maxHours := int(zero.MaxKeyTTL / time.Hour)
	switch {
	case i.KeyTTLHours <= 0:
		errs = append(errs, ValidationError{
			Field:   "identity.key_ttl_hours",
			Message: "key TTL must be positive",
		})
	case i.KeyTTLHours > maxHours:
		errs = append(errs, ValidationError{
			Field:   "identity.key_ttl_hours",
			Message: fmt.Sprintf("key TTL must be at most %d hours", maxHours),
		})
	}
	if _, err := zero.ParseDerivedSaltMode(i.DerivedSalt); err != nil {
		errs = append(errs, ValidationError{
			Field:   "identity.derived_salt",
			Message: fmt.Sprintf("invalid derived salt mode: %s (valid: inherit, fresh)", i.DerivedSalt),
		})
	}
	if i.MaxPurposeLength <= 0 {
		errs = append(errs, ValidationError{
			Field:   "identity.max_purpose_length",
			Message: "max purpose length must be positive",
		})
	}
	return errs
}

func validateEntropy(e *EntropyConfig) ValidationErrors {
	var errs ValidationErrors

	switch e.Source {
	case "system":
	case "tpm":
		// An empty path means detect at startup
	default:
		errs = append(errs, ValidationError{
			Field:   "entropy.source",
			Message: fmt.Sprintf("invalid entropy source: %s (valid: system, tpm)", e.Source),
		})
	}
	return errs
}

func validateAuth(a *AuthConfig) ValidationErrors {
	var errs ValidationErrors

	if a.ChallengeTTLSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.challenge_ttl_sec",
			Message: "challenge TTL must be positive",
		})
	}
	if a.MaxPending <= 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.max_pending",
			Message: "max pending must be positive",
		})
	}
	if a.IssueRatePerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.issue_rate_per_sec",
			Message: "issue rate must be positive",
		})
	}
	if a.IssueBurst <= 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.issue_burst",
			Message: "issue burst must be positive",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := codec.ParseFormat(s.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "storage.format",
			Message: fmt.Sprintf("invalid record format: %s (valid: binary, cbor, json)", s.Format),
		})
	}

	switch s.Backend {
	case "file":
		if s.IDDir == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.id_dir",
				Message: "identity directory is required for the file backend",
			})
		}
		if s.KeyDir == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.key_dir",
				Message: "key directory is required for the file backend",
			})
		}
	case "sqlite":
		if s.IDDB == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.id_db",
				Message: "identity database is required for the sqlite backend",
			})
		}
		if s.KeyDB == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.key_db",
				Message: "key database is required for the sqlite backend",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid storage backend: %s (valid: file, sqlite)", s.Backend),
		})
	}

	// The file backend keeps identity and key records in distinct files even
	// when both live in one directory. A single database cannot.
	if s.IDDB != "" && s.KeyDB != "" && samePath(s.IDDB, s.KeyDB) {
		errs = append(errs, ValidationError{
			Field:   "storage.key_db",
			Message: "key database must differ from the identity database",
			Err:     ErrSeparation,
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
