package codec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"phantomid/internal/security"
	"phantomid/internal/store"
)

// File name suffixes for the file backend.
const (
	IDSuffix  = ".zid"
	KeySuffix = ".zid.key"
)

// Location is a place that holds exactly one record.
type Location interface {
	// Unit names the physical storage unit. Two locations with the same unit
	// share a file or database and must never hold different kinds.
	Unit() string

	// Write stores data, applying the access policy for kind.
	Write(kind Kind, data []byte) error

	// Read returns the stored record, enforcing the access policy for kind.
	Read(kind Kind) ([]byte, error)

	// Peek returns whatever is stored without policy checks.
	// A missing record yields an error matching fs.ErrNotExist.
	Peek() ([]byte, error)

	// Remove deletes the stored record. Removing a missing record is not an error.
	Remove() error

	String() string
}

// FileLocation stores a record in a single file. Identity files are written
// 0644 and key files 0600; key files with looser permissions are refused on read.
type FileLocation struct {
	path string
}

// NewFileLocation validates path and returns a location for it.
func NewFileLocation(path string) (FileLocation, error) {
	clean, err := security.DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return FileLocation{}, fmt.Errorf("file location: %w", err)
	}
	return FileLocation{path: clean}, nil
}

// IDFile returns dir/name.zid.
func IDFile(dir, name string) (FileLocation, error) {
	return fileIn(dir, name+IDSuffix)
}

// KeyFile returns dir/name.zid.key.
func KeyFile(dir, name string) (FileLocation, error) {
	return fileIn(dir, name+KeySuffix)
}

// fileIn returns the location of file inside dir. The resolved path must
// not leave dir.
func fileIn(dir, file string) (FileLocation, error) {
	if err := security.ValidateFilename(file); err != nil {
		return FileLocation{}, err
	}
	root, err := security.DefaultPathValidator().ValidatePath(dir)
	if err != nil {
		return FileLocation{}, fmt.Errorf("file location: %w", err)
	}
	v := security.DefaultPathValidator()
	v.Roots = []string{root}
	clean, err := v.ValidatePath(filepath.Join(root, file))
	if err != nil {
		return FileLocation{}, fmt.Errorf("file location: %w", err)
	}
	return FileLocation{path: clean}, nil
}

// Path returns the absolute file path.
func (l FileLocation) Path() string { return l.path }

func (l FileLocation) Unit() string   { return "file:" + l.path }
func (l FileLocation) String() string { return l.path }

func (l FileLocation) Write(kind Kind, data []byte) error {
	if kind == KindKey {
		return security.WriteSecretFile(l.path, data)
	}
	return security.WritePublicFile(l.path, data)
}

func (l FileLocation) Read(kind Kind) ([]byte, error) {
	if kind == KindKey {
		return security.ReadSecureFile(l.path, MaxRecordSize)
	}
	return security.ReadPublicFile(l.path, MaxRecordSize)
}

func (l FileLocation) Peek() ([]byte, error) {
	return security.ReadPublicFile(l.path, MaxRecordSize)
}

func (l FileLocation) Remove() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DBLocation stores a record under a name inside a SQLite store. The store's
// bound kind must match the kind written, and the whole database file is the unit.
type DBLocation struct {
	db   *store.Store
	name string
}

// NewDBLocation returns the location of name inside db.
func NewDBLocation(db *store.Store, name string) DBLocation {
	return DBLocation{db: db, name: name}
}

func (l DBLocation) Unit() string   { return "sqlite:" + l.db.Path() }
func (l DBLocation) String() string { return l.db.Path() + "#" + l.name }

func (l DBLocation) Write(kind Kind, data []byte) error {
	if err := l.checkKind(kind); err != nil {
		return err
	}
	return l.db.Put(l.name, data, time.Now())
}

func (l DBLocation) Read(kind Kind) ([]byte, error) {
	if err := l.checkKind(kind); err != nil {
		return nil, err
	}
	return l.Peek()
}

func (l DBLocation) Peek() ([]byte, error) {
	r, err := l.db.Get(l.name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

func (l DBLocation) Remove() error {
	return l.db.Delete(l.name)
}

func (l DBLocation) checkKind(kind Kind) error {
	want := store.KindIdentity
	if kind == KindKey {
		want = store.KindKey
	}
	if l.db.Kind() != want {
		return fmt.Errorf("%w: %s database cannot hold %s records", ErrSeparationViolation, l.db.Kind(), kind)
	}
	return nil
}

func sameUnit(a, b Location) bool {
	return a.Unit() == b.Unit()
}
