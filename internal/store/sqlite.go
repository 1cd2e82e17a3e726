package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"phantomid/internal/security"
)

// maxNameLength bounds record names.
const maxNameLength = 255

// Store is a SQLite database of records of one kind.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	kind RecordKind
}

// Open opens or creates the database at path and binds it to kind.
// Key databases are created owner-only (0600); identity databases are 0644.
// Opening an existing database as the other kind fails with ErrKindMismatch.
func Open(path string, kind RecordKind) (*Store, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	cleanPath, err := security.DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}

	filePerm, dirPerm := security.PermPublicFile, security.PermPublicDir
	if kind == KindKey {
		filePerm, dirPerm = security.PermSecretFile, security.PermSecretDir
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), dirPerm); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Create the file ourselves so SQLite never picks a looser mode.
	f, err := os.OpenFile(cleanPath, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	f.Close()
	if kind == KindKey {
		if err := os.Chmod(cleanPath, filePerm); err != nil {
			return nil, fmt.Errorf("restrict database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cleanPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := bindKind(db, kind); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: cleanPath, kind: kind}, nil
}

func bindKind(db *sql.DB, kind RecordKind) error {
	var existing string
	err := db.QueryRow("SELECT kind FROM store_meta WHERE id = 1").Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec("INSERT INTO store_meta (id, kind, created_at) VALUES (1, ?, ?)",
			string(kind), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("bind record kind: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read record kind: %w", err)
	case RecordKind(existing) != kind:
		return kindMismatch(kind, RecordKind(existing))
	}
	return nil
}

// Path returns the absolute database path.
func (s *Store) Path() string {
	return s.path
}

// Kind returns the record kind the database is bound to.
func (s *Store) Kind() RecordKind {
	return s.kind
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: length %d", ErrInvalidName, len(name))
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	return nil
}

// Put inserts or replaces the record stored under name.
func (s *Store) Put(name string, data []byte, at time.Time) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	sum := sha256.Sum256(data)
	_, err := s.db.Exec(`
		INSERT INTO records (name, data, updated_at, checksum) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, checksum = excluded.checksum`,
		name, data, at.UnixNano(), sum[:],
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get returns the record stored under name, or ErrNotFound.
func (s *Store) Get(name string) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var (
		data     []byte
		ts       int64
		checksum []byte
	)
	err := s.db.QueryRow("SELECT data, updated_at, checksum FROM records WHERE name = ?", name).
		Scan(&data, &ts, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	if checksum != nil {
		sum := sha256.Sum256(data)
		if subtle.ConstantTimeCompare(sum[:], checksum) != 1 {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, name)
		}
	}

	return &Record{Name: name, Data: data, UpdatedAt: time.Unix(0, ts)}, nil
}

// Delete removes the record stored under name. Deleting a missing record is not an error.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	if _, err := s.db.Exec("DELETE FROM records WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns all record names in lexical order.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT name FROM records ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan record name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
