package zero

import "errors"

// Errors
var (
	// ErrEntropyUnavailable means no cryptographically secure randomness could
	// be read. It is fatal for the operation; nothing retries with a weaker source.
	ErrEntropyUnavailable = errors.New("zero: entropy unavailable")

	ErrInvalidPurpose       = errors.New("zero: invalid purpose")
	ErrInvalidIdentifier    = errors.New("zero: invalid identifier")
	ErrContextUninitialized = errors.New("zero: secret context not initialized")
	ErrContextDestroyed     = errors.New("zero: secret context destroyed")
	ErrInvalidTransition    = errors.New("zero: invalid attempt state transition")

	// Rejections. These only appear through Outcome.Err; Verify itself never fails.
	ErrRejected          = errors.New("zero: authentication rejected")
	ErrChallengeMismatch = errors.New("zero: proof answers a different challenge")
	ErrKeyExpired        = errors.New("zero: verification key expired")
	ErrKeyMismatch       = errors.New("zero: verification key does not belong to identity")
)
