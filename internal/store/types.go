// Package store provides SQLite-backed record storage for phantomid.
//
// Each database file holds records of exactly one kind. The kind is fixed the
// first time the database is opened, so identity records and verification
// keys can never end up in the same file.
package store

import (
	"errors"
	"fmt"
	"time"
)

// RecordKind is the single kind of record a database holds.
type RecordKind string

const (
	// KindIdentity marks a database of public identity records.
	KindIdentity RecordKind = "identity"
	// KindKey marks a database of verification key records.
	KindKey RecordKind = "key"
)

// Valid reports whether k is a known kind.
func (k RecordKind) Valid() bool {
	return k == KindIdentity || k == KindKey
}

// Store errors
var (
	ErrNotFound     = errors.New("store: record not found")
	ErrKindMismatch = errors.New("store: database holds a different record kind")
	ErrInvalidKind  = errors.New("store: invalid record kind")
	ErrInvalidName  = errors.New("store: invalid record name")
	ErrCorrupt      = errors.New("store: record checksum mismatch")
	ErrClosed       = errors.New("store: database closed")
)

// Record is one stored blob.
type Record struct {
	Name      string
	Data      []byte
	UpdatedAt time.Time
}

func kindMismatch(want, got RecordKind) error {
	return fmt.Errorf("%w: opened as %s, database holds %s", ErrKindMismatch, want, got)
}
