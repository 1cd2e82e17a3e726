// Package codec persists identities and verification keys to separate locations.
//
// A Codec encodes records in one of three formats (binary, CBOR, JSON),
// decodes any of them, and refuses every path that would put an identity and
// its key in the same file, database or record.
package codec

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"phantomid/internal/security"
	"phantomid/internal/zero"
)

// Codec saves and loads records. It remembers which storage units it has
// written each kind to and refuses to mix them. Safe for concurrent use.
type Codec struct {
	format recordFormat
	name   Format

	mu    sync.Mutex
	units map[string]Kind
}

// New returns a codec writing records in format f.
func New(f Format) (*Codec, error) {
	rf, err := formatFor(f)
	if err != nil {
		return nil, err
	}
	return &Codec{format: rf, name: f, units: make(map[string]Kind)}, nil
}

// Format returns the encoding used for writes.
func (c *Codec) Format() Format {
	return c.name
}

// EncodeID encodes id without writing it.
func (c *Codec) EncodeID(id zero.ZeroID) ([]byte, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: identity is unset", ErrMalformedRecord)
	}
	return c.format.encodeID(id)
}

// EncodeKey encodes key without writing it. The result holds the secret;
// the caller must wipe it.
func (c *Codec) EncodeKey(key *zero.ZeroKey) ([]byte, error) {
	if key.Destroyed() {
		return nil, fmt.Errorf("%w: key has been destroyed", ErrMalformedRecord)
	}
	return c.format.encodeKey(key)
}

// DecodeID decodes an identity record in any supported format.
func DecodeID(data []byte) (zero.ZeroID, error) {
	rec, err := decodeAny(data)
	if err != nil {
		return zero.ZeroID{}, err
	}
	if rec.kind != KindID {
		rec.key.Destroy()
		return zero.ZeroID{}, fmt.Errorf("%w: expected identity, found %s", ErrWrongRecordKind, rec.kind)
	}
	return rec.id, nil
}

// DecodeKey decodes a key record in any supported format.
func DecodeKey(data []byte) (*zero.ZeroKey, error) {
	rec, err := decodeAny(data)
	if err != nil {
		return nil, err
	}
	if rec.kind != KindKey {
		return nil, fmt.Errorf("%w: expected key, found %s", ErrWrongRecordKind, rec.kind)
	}
	return rec.key, nil
}

// SaveID writes id to loc.
func (c *Codec) SaveID(id zero.ZeroID, loc Location) error {
	data, err := c.EncodeID(id)
	if err != nil {
		return err
	}
	return c.save(KindID, data, loc)
}

// SaveKey writes key to loc.
func (c *Codec) SaveKey(key *zero.ZeroKey, loc Location) error {
	data, err := c.EncodeKey(key)
	if err != nil {
		return err
	}
	defer security.Wipe(data)
	return c.save(KindKey, data, loc)
}

// SavePair writes id to idLoc and key to keyLoc. Identical units fail with
// ErrSeparationViolation before anything is written. When the key cannot be
// written, idLoc is put back the way it was.
func (c *Codec) SavePair(id zero.ZeroID, key *zero.ZeroKey, idLoc, keyLoc Location) error {
	if sameUnit(idLoc, keyLoc) {
		return fmt.Errorf("%w: both records target %s", ErrSeparationViolation, idLoc)
	}
	prev, peekErr := idLoc.Peek()
	if err := c.SaveID(id, idLoc); err != nil {
		return err
	}
	if err := c.SaveKey(key, keyLoc); err != nil {
		if rbErr := rollback(idLoc, prev, peekErr == nil); rbErr != nil {
			return errors.Join(err, storageErr("roll back", idLoc, rbErr))
		}
		return err
	}
	return nil
}

// rollback restores the identity record that was at loc before a failed
// pair write, or removes the new one if there was none.
func rollback(loc Location, prev []byte, existed bool) error {
	if existed {
		return loc.Write(KindID, prev)
	}
	return loc.Remove()
}

// LoadID reads the identity stored at loc.
func (c *Codec) LoadID(loc Location) (zero.ZeroID, error) {
	if err := c.checkUnit(KindID, loc); err != nil {
		return zero.ZeroID{}, err
	}
	data, err := read(KindID, loc)
	if err != nil {
		return zero.ZeroID{}, err
	}
	return DecodeID(data)
}

// LoadKey reads the key stored at loc.
func (c *Codec) LoadKey(loc Location) (*zero.ZeroKey, error) {
	if err := c.checkUnit(KindKey, loc); err != nil {
		return nil, err
	}
	data, err := read(KindKey, loc)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(data)
	return DecodeKey(data)
}

// LoadPair reads both halves, refusing a shared unit.
func (c *Codec) LoadPair(idLoc, keyLoc Location) (zero.ZeroID, *zero.ZeroKey, error) {
	if sameUnit(idLoc, keyLoc) {
		return zero.ZeroID{}, nil, fmt.Errorf("%w: both records read from %s", ErrSeparationViolation, idLoc)
	}
	id, err := c.LoadID(idLoc)
	if err != nil {
		return zero.ZeroID{}, nil, err
	}
	key, err := c.LoadKey(keyLoc)
	if err != nil {
		return zero.ZeroID{}, nil, err
	}
	return id, key, nil
}

func read(kind Kind, loc Location) ([]byte, error) {
	data, err := loc.Read(kind)
	if errors.Is(err, ErrSeparationViolation) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("read", loc, err)
	}
	return data, nil
}

func (c *Codec) save(kind Kind, data []byte, loc Location) error {
	if err := c.checkUnit(kind, loc); err != nil {
		return err
	}
	if err := checkExisting(kind, loc); err != nil {
		return err
	}
	if err := loc.Write(kind, data); err != nil {
		if errors.Is(err, ErrSeparationViolation) {
			return err
		}
		return storageErr("write", loc, err)
	}

	c.mu.Lock()
	c.units[loc.Unit()] = kind
	c.mu.Unlock()
	return nil
}

// checkUnit refuses a unit this codec has already used for the other kind.
func (c *Codec) checkUnit(kind Kind, loc Location) error {
	c.mu.Lock()
	prev, seen := c.units[loc.Unit()]
	c.mu.Unlock()
	if seen && prev != kind {
		return fmt.Errorf("%w: %s already holds a %s record", ErrSeparationViolation, loc, kind.other())
	}
	return nil
}

// checkExisting refuses to overwrite a record of the other kind.
func checkExisting(kind Kind, loc Location) error {
	existing, err := loc.Peek()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return storageErr("inspect", loc, err)
	}
	defer security.Wipe(existing)

	found, err := PeekKind(existing)
	if err != nil {
		// unreadable leftovers are overwritten
		return nil
	}
	if found != kind {
		return fmt.Errorf("%w: %s already holds a %s record", ErrSeparationViolation, loc, found)
	}
	return nil
}
