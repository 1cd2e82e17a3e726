package zero

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"phantomid/internal/security"
)

// ZeroID is a pseudo-identity: a one-way hash standing in for a raw device
// identifier. It is public and may be shared, logged by fingerprint, or stored
// world-readable.
type ZeroID struct {
	// Version is the record format tag
	Version uint8

	// Hash is SHA-256(raw ‖ salt) for a base identity, or
	// HMAC(context_salt, parent.Hash ‖ purpose) for a derived one
	Hash [HashSize]byte

	// Salt is unique per base identity and not secret
	Salt [SaltSize]byte

	// Created is when the base identity was minted
	Created time.Time
}

// IsZero reports whether id has never been set.
func (id ZeroID) IsZero() bool {
	return id.Version == 0 && security.IsZero(id.Hash[:])
}

// Equal compares two identities. The hash comparison is constant time.
func (id ZeroID) Equal(other ZeroID) bool {
	hashEq := security.ConstantTimeEqual32(id.Hash, other.Hash)
	return hashEq && id.Version == other.Version && id.Salt == other.Salt && id.Created.Equal(other.Created)
}

// HashHex returns the identity hash as lowercase hex.
func (id ZeroID) HashHex() string {
	return hex.EncodeToString(id.Hash[:])
}

// ZeroKey is the verification secret paired with a ZeroID. It proves that the
// authority issued the identity and must always be stored apart from it.
type ZeroKey struct {
	mac *security.SecureBytes

	// Timestamp is when the key was minted
	Timestamp time.Time

	// Expiration is the instant after which proofs tied to this key are rejected
	Expiration time.Time
}

// NewZeroKey wraps an existing MAC value, for example one read back from storage.
// The mac slice is wiped after it has been copied into protected memory.
func NewZeroKey(mac []byte, timestamp, expiration time.Time) (*ZeroKey, error) {
	if len(mac) != HashSize {
		security.Wipe(mac)
		return nil, fmt.Errorf("%w: key mac must be %d bytes, got %d", ErrInvalidIdentifier, HashSize, len(mac))
	}
	sb, err := security.FromBytes(mac)
	if err != nil {
		return nil, err
	}
	return &ZeroKey{mac: sb, Timestamp: timestamp, Expiration: expiration}, nil
}

// MAC returns a copy of the verification secret. The caller must wipe it.
func (k *ZeroKey) MAC() []byte {
	if k == nil || k.mac == nil {
		return nil
	}
	return k.mac.Copy()
}

// Expired reports whether the key's expiration lies before now.
func (k *ZeroKey) Expired(now time.Time) bool {
	return k.Expiration.Before(now)
}

// Equal compares two keys in constant time.
func (k *ZeroKey) Equal(other *ZeroKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	a, b := k.MAC(), other.MAC()
	defer security.Wipe(a)
	defer security.Wipe(b)
	return a != nil && security.ConstantTimeCompare(a, b) &&
		k.Timestamp.Equal(other.Timestamp) && k.Expiration.Equal(other.Expiration)
}

// Destroy wipes the secret.
func (k *ZeroKey) Destroy() {
	if k != nil && k.mac != nil {
		k.mac.Destroy()
	}
}

// Destroyed reports whether the secret has been wiped.
func (k *ZeroKey) Destroyed() bool {
	return k == nil || k.mac == nil || k.mac.Destroyed()
}

// String never prints the secret.
func (k *ZeroKey) String() string {
	if k == nil {
		return "ZeroKey(nil)"
	}
	return fmt.Sprintf("ZeroKey{mac:[REDACTED] expires:%s}", k.Expiration.UTC().Format(time.RFC3339))
}

// GoString keeps %#v from dumping the secret buffer.
func (k *ZeroKey) GoString() string {
	return k.String()
}

// LogValue keeps slog from dumping the secret buffer.
func (k *ZeroKey) LogValue() slog.Value {
	if k == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("mac", "[REDACTED]"),
		slog.Time("expiration", k.Expiration),
	)
}

var identifierValidator = security.IdentifierValidator(MaxIdentifierLength)

// Mint creates a base identity for raw and its paired verification key.
// Two calls with the same raw identifier yield different identities
// because each draws a fresh salt.
func (sc *SecretContext) Mint(raw []byte) (ZeroID, *ZeroKey, error) {
	if err := identifierValidator.ValidateBytes(raw); err != nil {
		return ZeroID{}, nil, fmt.Errorf("%w: raw identifier: %w", ErrInvalidIdentifier, err)
	}
	if err := sc.acquire(); err != nil {
		return ZeroID{}, nil, err
	}
	defer sc.mu.RUnlock()

	var salt [SaltSize]byte
	if err := fillRandom(sc.entropy, salt[:]); err != nil {
		return ZeroID{}, nil, fmt.Errorf("mint salt: %w", err)
	}

	now := sc.now()
	id := ZeroID{
		Version: Version,
		Hash:    hashSum(raw, salt[:]),
		Salt:    salt,
		Created: now,
	}

	mac := sc.keyMAC(id.Hash)
	key, err := NewZeroKey(mac[:], now, now.Add(sc.keyTTL))
	if err != nil {
		return ZeroID{}, nil, err
	}
	return id, key, nil
}
