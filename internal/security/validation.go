package security

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrPathOutsideRoot   = errors.New("security: path outside allowed root")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrInputTooShort     = errors.New("security: input below minimum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// PathValidator checks paths before records are read from or written to them.
type PathValidator struct {
	// Roots, when non-empty, are the directories a path must stay inside.
	Roots []string

	// KeepSymlinks returns paths as given instead of resolving links.
	KeepSymlinks bool

	MaxLength int
}

// DefaultPathValidator resolves symlinks and caps paths at 4096 bytes.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxLength: 4096}
}

// ValidatePath returns the absolute, link-resolved form of path. Roots are
// checked against the resolved path, so a link cannot lead out of them.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	switch {
	case path == "":
		return "", ErrInvalidPath
	case strings.IndexByte(path, 0) >= 0:
		return "", ErrNullByte
	case v.MaxLength > 0 && len(path) > v.MaxLength:
		return "", fmt.Errorf("%w: path is %d bytes, limit %d", ErrInputTooLong, len(path), v.MaxLength)
	case hasTraversal(path):
		return "", ErrPathTraversal
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !v.KeepSymlinks {
		if abs, err = resolve(abs); err != nil {
			return "", err
		}
	}
	if len(v.Roots) > 0 && !within(abs, v.Roots) {
		return "", ErrPathOutsideRoot
	}
	return abs, nil
}

// within reports whether abs is one of roots or below one, comparing against
// each root both as given and with its links resolved.
func within(abs string, roots []string) bool {
	for _, root := range roots {
		r, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		candidates := []string{r}
		if resolved, err := filepath.EvalSymlinks(r); err == nil {
			candidates = append(candidates, resolved)
		}
		for _, c := range candidates {
			if abs == c || strings.HasPrefix(abs, c+string(filepath.Separator)) {
				return true
			}
		}
	}
	return false
}

// resolve follows links in abs. Missing trailing elements are kept as given
// below their nearest existing ancestor.
func resolve(abs string) (string, error) {
	p, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: resolve %s: %v", ErrInvalidPath, p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(p), rest)
		p = parent
	}
}

func hasTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return strings.Contains(strings.ToLower(path), "%2e%2e") ||
		strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

// Device names that no platform can use as a file name.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// ValidateFilename accepts a single path element that is portable across
// platforms. Record names go through it before any path is built.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty filename", ErrInvalidInput)
	case strings.IndexByte(name, 0) >= 0:
		return ErrNullByte
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: filename contains path separator", ErrInvalidInput)
	case strings.ContainsAny(name, `<>:"|?*`):
		return fmt.Errorf("%w: invalid characters in filename", ErrInvalidInput)
	case strings.Trim(name, " ") != name:
		return fmt.Errorf("%w: filename has leading/trailing spaces", ErrInvalidInput)
	case strings.HasSuffix(name, "."):
		return fmt.Errorf("%w: filename ends with dot", ErrInvalidInput)
	}

	upper := strings.ToUpper(name)
	if reservedNames[strings.TrimSuffix(upper, filepath.Ext(upper))] {
		return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
	}
	return nil
}

// InputValidator bounds untrusted labels and identifiers.
type InputValidator struct {
	MinLength int
	MaxLength int // zero means unbounded

	AllowNUL     bool
	AllowControl bool
	RequireUTF8  bool

	// Pattern, when set, must match the whole input.
	Pattern *regexp.Regexp
}

// PurposeValidator returns the validator applied to derivation purposes:
// non-empty UTF-8 of at most maxLength bytes with no control characters.
func PurposeValidator(maxLength int) *InputValidator {
	return &InputValidator{
		MinLength:   1,
		MaxLength:   maxLength,
		RequireUTF8: true,
	}
}

// IdentifierValidator returns the validator applied to raw device
// identifiers. These are opaque bytes, so only their length is bounded.
func IdentifierValidator(maxLength int) *InputValidator {
	return &InputValidator{
		MinLength:    1,
		MaxLength:    maxLength,
		AllowNUL:     true,
		AllowControl: true,
	}
}

func (v *InputValidator) checkLength(n int) error {
	if n < v.MinLength {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrInputTooShort, n, v.MinLength)
	}
	if v.MaxLength > 0 && n > v.MaxLength {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrInputTooLong, n, v.MaxLength)
	}
	return nil
}

// Validate checks a text input.
func (v *InputValidator) Validate(input string) error {
	if err := v.checkLength(len(input)); err != nil {
		return err
	}
	if !v.AllowNUL && strings.IndexByte(input, 0) >= 0 {
		return ErrNullByte
	}
	if v.RequireUTF8 && !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	if !v.AllowControl && strings.IndexFunc(input, unicode.IsControl) >= 0 {
		return ErrControlCharacters
	}
	if v.Pattern != nil && !v.Pattern.MatchString(input) {
		return fmt.Errorf("%w: does not match required pattern", ErrInvalidInput)
	}
	return nil
}

// ValidateBytes checks a binary input without copying it. Without
// RequireUTF8, control checks apply to single bytes.
func (v *InputValidator) ValidateBytes(input []byte) error {
	if err := v.checkLength(len(input)); err != nil {
		return err
	}
	if !v.AllowNUL && bytes.IndexByte(input, 0) >= 0 {
		return ErrNullByte
	}
	if v.RequireUTF8 && !utf8.Valid(input) {
		return ErrInvalidUTF8
	}
	if !v.AllowControl {
		control := unicode.IsControl
		if !v.RequireUTF8 {
			control = func(r rune) bool { return r < 0x20 || r == 0x7f }
		}
		if bytes.IndexFunc(input, control) >= 0 {
			return ErrControlCharacters
		}
	}
	if v.Pattern != nil && !v.Pattern.Match(input) {
		return fmt.Errorf("%w: does not match required pattern", ErrInvalidInput)
	}
	return nil
}

// SanitizeLogOutput removes or masks sensitive data from log output.
// This prevents accidental logging of secrets.
func SanitizeLogOutput(input string) string {
	// Patterns that might indicate sensitive data
	sensitivePatterns := []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		// API keys and tokens
		{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd|auth)[\s:=]+["']?[\w\-./+=]{16,}["']?`), "$1=[REDACTED]"},
		// Hex-encoded keys, salts and identifier hashes (32+ bytes)
		{regexp.MustCompile(`(?i)(key|seed|private|secret|salt|hash|mac|raw)[\s:=]+["']?[0-9a-f]{64,}["']?`), "$1=[REDACTED]"},
		// Base64-encoded data that looks like keys
		{regexp.MustCompile(`(?i)(key|seed|private|secret)[\s:=]+["']?[A-Za-z0-9+/]{32,}={0,2}["']?`), "$1=[REDACTED]"},
		// AWS-style credentials
		{regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key)[\s:=]+["']?[\w]{16,}["']?`), "$1=[REDACTED]"},
		// Private key blocks
		{regexp.MustCompile(`(?s)-----BEGIN[\w\s]+PRIVATE KEY-----.*?-----END[\w\s]+PRIVATE KEY-----`), "[PRIVATE KEY REDACTED]"},
	}

	result := input
	for _, sp := range sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}

	return result
}
