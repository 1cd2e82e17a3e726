package zero

import (
	"fmt"

	"phantomid/internal/security"
)

// freshSaltInfo is the HKDF info prefix for FreshSalt derivations.
const freshSaltInfo = "phantomid/derived-salt/v1"

// Derive computes the purpose-scoped identity HMAC(context_salt, parent.Hash ‖ purpose).
//
// The result is deterministic for a given (parent, purpose, context), so callers
// recompute it instead of storing it. Distinct purposes give uncorrelated hashes.
// The derived record keeps the parent's Version and Created.
func (sc *SecretContext) Derive(parent ZeroID, purpose string) (ZeroID, error) {
	if purpose == "" {
		return ZeroID{}, fmt.Errorf("%w: purpose is empty", ErrInvalidPurpose)
	}
	if parent.IsZero() {
		return ZeroID{}, fmt.Errorf("%w: parent identity is unset", ErrInvalidIdentifier)
	}
	if err := sc.acquire(); err != nil {
		return ZeroID{}, err
	}
	defer sc.mu.RUnlock()

	if err := sc.purposeVal.Validate(purpose); err != nil {
		return ZeroID{}, fmt.Errorf("%w: %w", ErrInvalidPurpose, err)
	}

	derived := ZeroID{
		Version: parent.Version,
		Hash:    hmacSum(sc.contextSalt.Bytes(), parent.Hash[:], []byte(purpose)),
		Salt:    parent.Salt,
		Created: parent.Created,
	}

	if sc.saltMode == FreshSalt {
		info := append([]byte(freshSaltInfo), purpose...)
		salt, err := security.DeriveKey(sc.contextSalt.Bytes(), parent.Salt[:], info, SaltSize)
		if err != nil {
			return ZeroID{}, fmt.Errorf("derive salt: %w", err)
		}
		copy(derived.Salt[:], salt)
	}

	return derived, nil
}

// DeriveChain applies Derive once per purpose, each step using the previous result as parent.
func (sc *SecretContext) DeriveChain(parent ZeroID, purposes ...string) (ZeroID, error) {
	if len(purposes) == 0 {
		return ZeroID{}, fmt.Errorf("%w: no purposes given", ErrInvalidPurpose)
	}
	id := parent
	for _, p := range purposes {
		next, err := sc.Derive(id, p)
		if err != nil {
			return ZeroID{}, err
		}
		id = next
	}
	return id, nil
}
