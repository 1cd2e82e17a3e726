package codec

import (
	"errors"
	"fmt"
)

// Codec errors
var (
	// ErrSeparationViolation means an identity and its key would share one
	// storage location or one record.
	ErrSeparationViolation = errors.New("codec: identity and key must be stored separately")

	// ErrStorage wraps every I/O failure. The codec never retries.
	ErrStorage = errors.New("codec: storage failure")

	ErrMalformedRecord = errors.New("codec: malformed record")
	ErrWrongRecordKind = errors.New("codec: wrong record kind")
	ErrUnknownFormat   = errors.New("codec: unknown record format")
)

// StorageError describes a failed read or write.
// It matches both ErrStorage and the underlying cause with errors.Is.
type StorageError struct {
	Op       string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("codec: %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op string, loc Location, err error) error {
	return &StorageError{Op: op, Location: loc.String(), Err: err}
}
