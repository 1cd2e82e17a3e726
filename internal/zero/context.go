// Package zero implements pseudonymous device identities and proof of possession.
//
// The package provides:
//   - SecretContext: the issuing authority's master key and context salt
//   - Mint: a salted one-way identity (ZeroID) plus its verification secret (ZeroKey)
//   - Derive: purpose-scoped identities that cannot be correlated without the context salt
//   - Challenge/Proof: a challenge-response exchange verified in constant time
//
// Everything except the RNG is a pure function of its inputs. A SecretContext
// is immutable after construction and safe for concurrent use.
package zero

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"phantomid/internal/security"
)

// Algorithm identifies the hash and MAC construction used by every context.
const Algorithm = "SHA256-HMAC"

// Sizes of the fixed-width fields.
const (
	HashSize      = sha256.Size
	SaltSize      = 32
	ChallengeSize = 32
	SecretSize    = 32
)

// Version is the current ZeroID format tag.
const Version uint8 = 1

// DefaultKeyTTL is how long a freshly minted ZeroKey stays valid.
const DefaultKeyTTL = 30 * 24 * time.Hour

// MaxKeyTTL bounds key lifetimes so expirations stay representable as
// Unix nanoseconds in stored records.
const MaxKeyTTL = 100 * 365 * 24 * time.Hour

// DefaultMaxPurposeLength bounds derivation labels.
const DefaultMaxPurposeLength = 256

// MaxIdentifierLength bounds raw device identifiers.
const MaxIdentifierLength = 64 << 10

// DerivedSaltMode selects the salt attached to derived identities.
type DerivedSaltMode int

const (
	// InheritSalt copies the parent salt into the derived record.
	InheritSalt DerivedSaltMode = iota

	// FreshSalt replaces it with an HKDF output keyed by the context salt,
	// so derived records share no public field with their parent.
	FreshSalt
)

func (m DerivedSaltMode) String() string {
	switch m {
	case InheritSalt:
		return "inherit"
	case FreshSalt:
		return "fresh"
	default:
		return fmt.Sprintf("DerivedSaltMode(%d)", int(m))
	}
}

// ParseDerivedSaltMode maps a configuration value to a mode. Empty means inherit.
func ParseDerivedSaltMode(s string) (DerivedSaltMode, error) {
	switch s {
	case "", "inherit":
		return InheritSalt, nil
	case "fresh":
		return FreshSalt, nil
	default:
		return InheritSalt, fmt.Errorf("zero: unknown derived salt mode %q", s)
	}
}

// SecretContext holds the authority's long-lived secrets.
// The zero value is unusable; construct one with NewSecretContext.
type SecretContext struct {
	// mu guards destruction only. Secrets never change after construction.
	mu sync.RWMutex

	algorithm   string
	masterKey   *security.SecureBytes
	contextSalt *security.SecureBytes

	entropy    io.Reader
	now        func() time.Time
	keyTTL     time.Duration
	saltMode   DerivedSaltMode
	purposeVal *security.InputValidator
}

type options struct {
	entropy       io.Reader
	now           func() time.Time
	keyTTL        time.Duration
	saltMode      DerivedSaltMode
	maxPurposeLen int
}

// Option configures a SecretContext.
type Option func(*options)

// WithEntropy sets the randomness source for secrets, salts and challenges.
// It must be cryptographically secure. The default is crypto/rand.
func WithEntropy(r io.Reader) Option {
	return func(o *options) { o.entropy = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithKeyTTL sets the lifetime of minted ZeroKeys.
func WithKeyTTL(d time.Duration) Option {
	return func(o *options) { o.keyTTL = d }
}

// WithDerivedSalt selects how derived identities get their salt.
func WithDerivedSalt(m DerivedSaltMode) Option {
	return func(o *options) { o.saltMode = m }
}

// WithMaxPurposeLength bounds the byte length of derivation purposes.
func WithMaxPurposeLength(n int) Option {
	return func(o *options) { o.maxPurposeLen = n }
}

// NewSecretContext generates a master key and context salt.
// It fails with ErrEntropyUnavailable if the entropy source cannot supply them.
func NewSecretContext(opts ...Option) (*SecretContext, error) {
	o := options{
		now:           time.Now,
		keyTTL:        DefaultKeyTTL,
		saltMode:      InheritSalt,
		maxPurposeLen: DefaultMaxPurposeLength,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.keyTTL <= 0 || o.keyTTL > MaxKeyTTL {
		return nil, fmt.Errorf("zero: key ttl must be positive and at most %s, got %s", MaxKeyTTL, o.keyTTL)
	}
	if o.maxPurposeLen <= 0 {
		return nil, fmt.Errorf("zero: max purpose length must be positive, got %d", o.maxPurposeLen)
	}
	if o.saltMode != InheritSalt && o.saltMode != FreshSalt {
		return nil, fmt.Errorf("zero: unknown derived salt mode %d", int(o.saltMode))
	}

	master, err := security.GenerateSecret(o.entropy, SecretSize)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %w", ErrEntropyUnavailable, err)
	}
	salt, err := security.GenerateSecret(o.entropy, SecretSize)
	if err != nil {
		master.Destroy()
		return nil, fmt.Errorf("%w: context salt: %w", ErrEntropyUnavailable, err)
	}
	if security.ConstantTimeCompare(master.Bytes(), salt.Bytes()) {
		master.Destroy()
		salt.Destroy()
		return nil, fmt.Errorf("%w: entropy source repeated itself", ErrEntropyUnavailable)
	}

	return &SecretContext{
		algorithm:   Algorithm,
		masterKey:   master,
		contextSalt: salt,
		entropy:     o.entropy,
		now:         o.now,
		keyTTL:      o.keyTTL,
		saltMode:    o.saltMode,
		purposeVal:  security.PurposeValidator(o.maxPurposeLen),
	}, nil
}

// Algorithm returns the algorithm identifier, or "" for an unusable context.
func (sc *SecretContext) Algorithm() string {
	if sc == nil {
		return ""
	}
	return sc.algorithm
}

// KeyTTL returns the lifetime given to minted keys.
func (sc *SecretContext) KeyTTL() time.Duration {
	return sc.keyTTL
}

// DerivedSaltMode returns the configured salt mode.
func (sc *SecretContext) DerivedSaltMode() DerivedSaltMode {
	return sc.saltMode
}

// Now returns the context's current time.
func (sc *SecretContext) Now() time.Time {
	return sc.now()
}

// Destroy wipes both secrets. Every later operation fails with ErrContextDestroyed.
func (sc *SecretContext) Destroy() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.masterKey != nil {
		sc.masterKey.Destroy()
	}
	if sc.contextSalt != nil {
		sc.contextSalt.Destroy()
	}
}

// Destroyed reports whether Destroy has run.
func (sc *SecretContext) Destroyed() bool {
	if sc == nil || sc.masterKey == nil {
		return false
	}
	return sc.masterKey.Destroyed()
}

// acquire read-locks the context and checks it can be used.
// Callers must call sc.mu.RUnlock when err is nil.
func (sc *SecretContext) acquire() error {
	if sc == nil || sc.algorithm != Algorithm || sc.masterKey == nil || sc.contextSalt == nil {
		return ErrContextUninitialized
	}
	sc.mu.RLock()
	if sc.masterKey.Destroyed() || sc.contextSalt.Destroyed() {
		sc.mu.RUnlock()
		return ErrContextDestroyed
	}
	return nil
}

// keyMAC computes HMAC(master_key, hash). Caller holds the read lock.
func (sc *SecretContext) keyMAC(hash [HashSize]byte) [HashSize]byte {
	return hmacSum(sc.masterKey.Bytes(), hash[:])
}

// KeyMatches reports whether key was minted by this context for id.
// The comparison is constant time.
func (sc *SecretContext) KeyMatches(id ZeroID, key *ZeroKey) (bool, error) {
	if key == nil || key.Destroyed() {
		return false, nil
	}
	if err := sc.acquire(); err != nil {
		return false, err
	}
	expected := sc.keyMAC(id.Hash)
	sc.mu.RUnlock()

	mac := key.MAC()
	defer security.Wipe(mac)
	ok := security.ConstantTimeCompare(expected[:], mac)
	security.Wipe(expected[:])
	return ok, nil
}

func hmacSum(key []byte, parts ...[]byte) [HashSize]byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	var out [HashSize]byte
	m.Sum(out[:0])
	return out
}

func hashSum(parts ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

func fillRandom(r io.Reader, p []byte) error {
	if err := security.FillRandom(r, p); err != nil {
		return fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}
	return nil
}
