package authority

import "errors"

var (
	// ErrUnknownAttempt is returned for an attempt id this verifier never
	// issued, or one already settled.
	ErrUnknownAttempt = errors.New("authority: unknown attempt")

	// ErrAttemptExpired is returned when a proof arrives after the attempt's deadline.
	ErrAttemptExpired = errors.New("authority: attempt expired")

	// ErrRateLimited is returned when a subject asks for challenges too quickly.
	ErrRateLimited = errors.New("authority: challenge rate limit exceeded")

	// ErrTooManyPending is returned when the pending attempt table is full.
	ErrTooManyPending = errors.New("authority: too many pending attempts")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("authority: closed")

	// ErrAlreadyEnrolled is returned by Enroll when the device already has records.
	ErrAlreadyEnrolled = errors.New("authority: device already enrolled")

	// ErrInvalidDeviceName is returned when a device name cannot name a record.
	ErrInvalidDeviceName = errors.New("authority: invalid device name")
)
