package security

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// RecommendedKeySize is the recommended key size in bytes.
const RecommendedKeySize = 32 // 256 bits

// FillRandom fills data from r, which must be a cryptographically secure source.
// A nil r means crypto/rand. Short reads are failures, never retried with a weaker source.
func FillRandom(r io.Reader, data []byte) error {
	if r == nil {
		r = rand.Reader
	}
	n, err := io.ReadFull(r, data)
	if err != nil {
		Wipe(data[:n])
		return fmt.Errorf("%w: only got %d of %d bytes: %v", ErrInsufficientEntropy, n, len(data), err)
	}
	return nil
}

// GenerateSecret reads size random bytes from r straight into a SecureBytes.
func GenerateSecret(r io.Reader, size int) (*SecureBytes, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	sb, err := NewSecureBytes(size)
	if err != nil {
		return nil, err
	}
	if err := FillRandom(r, sb.Bytes()); err != nil {
		sb.Destroy()
		return nil, err
	}
	if err := ValidateKeyStrength(sb.Bytes()); err != nil {
		sb.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return sb, nil
}

// DeriveKey derives keySize bytes using HKDF with SHA-256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}

	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)

	derivedKey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derivedKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	return derivedKey, nil
}

// ValidateKeyStrength checks if a key meets minimum security requirements.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	// A source that hands back a constant buffer (all zeros included) is broken.
	pattern := key[0]
	allSame := true
	for _, b := range key {
		if b != pattern {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
	}

	return nil
}

// IsZero reports whether every byte of b is zero, in constant time.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
