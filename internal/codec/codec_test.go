package codec

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phantomid/internal/security"
	"phantomid/internal/store"
	"phantomid/internal/zero"
)

var allFormats = []Format{FormatBinary, FormatCBOR, FormatJSON}

func mintPair(t *testing.T) (zero.ZeroID, *zero.ZeroKey) {
	t.Helper()
	sc, err := zero.NewSecretContext()
	require.NoError(t, err)
	t.Cleanup(sc.Destroy)
	id, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)
	return id, key
}

func fileLocs(t *testing.T, name string) (FileLocation, FileLocation) {
	t.Helper()
	dir := t.TempDir()
	idLoc, err := IDFile(filepath.Join(dir, "ids"), name)
	require.NoError(t, err)
	keyLoc, err := KeyFile(filepath.Join(dir, "keys"), name)
	require.NoError(t, err)
	return idLoc, keyLoc
}

func newCodec(t *testing.T, f Format) *Codec {
	t.Helper()
	c, err := New(f)
	require.NoError(t, err)
	return c
}

// =============================================================================
// Round Trip Tests
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, f := range allFormats {
		t.Run(f.String(), func(t *testing.T) {
			id, key := mintPair(t)
			idLoc, keyLoc := fileLocs(t, "device-42")
			c := newCodec(t, f)
			assert.Equal(t, f, c.Format())

			require.NoError(t, c.SavePair(id, key, idLoc, keyLoc))

			gotID, gotKey, err := newCodec(t, f).LoadPair(idLoc, keyLoc)
			require.NoError(t, err)
			assert.True(t, id.Equal(gotID))
			assert.True(t, key.Equal(gotKey))

			raw, err := os.ReadFile(idLoc.Path())
			require.NoError(t, err)
			detected, err := DetectFormat(raw)
			require.NoError(t, err)
			assert.Equal(t, f, detected)
		})
	}
}

func TestLongestKeyTTLRoundTrips(t *testing.T) {
	sc, err := zero.NewSecretContext(zero.WithKeyTTL(zero.MaxKeyTTL))
	require.NoError(t, err)
	t.Cleanup(sc.Destroy)
	_, key, err := sc.Mint([]byte("device-42"))
	require.NoError(t, err)

	for _, f := range allFormats {
		t.Run(f.String(), func(t *testing.T) {
			data, err := newCodec(t, f).EncodeKey(key)
			require.NoError(t, err)
			got, err := DecodeKey(data)
			require.NoError(t, err)
			assert.True(t, got.Expiration.Equal(key.Expiration))
			assert.False(t, got.Expired(time.Now()))
		})
	}
}

func TestBinaryLayoutSizes(t *testing.T) {
	id, key := mintPair(t)
	c := newCodec(t, FormatBinary)

	idData, err := c.EncodeID(id)
	require.NoError(t, err)
	assert.Len(t, idData, 77)
	assert.Equal(t, []byte("PZID"), idData[:4])
	assert.Equal(t, id.Version, idData[4])
	assert.Equal(t, id.Hash[:], idData[5:37])

	keyData, err := c.EncodeKey(key)
	require.NoError(t, err)
	assert.Len(t, keyData, 53)
	assert.Equal(t, []byte("PZKY"), keyData[:4])
}

func TestDecodeAcceptsAnyFormat(t *testing.T) {
	id, _ := mintPair(t)
	for _, f := range allFormats {
		data, err := newCodec(t, f).EncodeID(id)
		require.NoError(t, err)
		got, err := DecodeID(data)
		require.NoError(t, err, f.String())
		assert.True(t, id.Equal(got), f.String())
	}
}

func TestIdentityRecordCarriesNoSecret(t *testing.T) {
	id, key := mintPair(t)
	mac := key.MAC()
	for _, f := range allFormats {
		data, err := newCodec(t, f).EncodeID(id)
		require.NoError(t, err)
		assert.False(t, bytes.Contains(data, mac), "%s identity leaked key bytes", f)
	}
}

// =============================================================================
// Separation Tests
// =============================================================================

func TestSavePairRejectsIdenticalLocations(t *testing.T) {
	id, key := mintPair(t)
	loc, err := NewFileLocation(filepath.Join(t.TempDir(), "device-42.zid"))
	require.NoError(t, err)

	err = newCodec(t, FormatBinary).SavePair(id, key, loc, loc)
	assert.ErrorIs(t, err, ErrSeparationViolation)

	_, statErr := os.Stat(loc.Path())
	assert.True(t, errors.Is(statErr, fs.ErrNotExist), "nothing may be written")
}

func TestSavePairRejectsEquivalentPaths(t *testing.T) {
	id, key := mintPair(t)
	dir := t.TempDir()
	a, err := NewFileLocation(filepath.Join(dir, "x", "..", "device-42.zid"))
	require.NoError(t, err)
	b, err := NewFileLocation(filepath.Join(dir, "device-42.zid"))
	require.NoError(t, err)
	assert.ErrorIs(t, newCodec(t, FormatBinary).SavePair(id, key, a, b), ErrSeparationViolation)

	_, err = NewFileLocation(dir + "/x/../device-42.zid")
	assert.ErrorIs(t, err, security.ErrPathTraversal, "raw traversal is refused outright")
}

func TestSaveKeyOverIdentityRejected(t *testing.T) {
	id, key := mintPair(t)
	loc, err := NewFileLocation(filepath.Join(t.TempDir(), "shared.rec"))
	require.NoError(t, err)

	c := newCodec(t, FormatBinary)
	require.NoError(t, c.SaveID(id, loc))
	assert.ErrorIs(t, c.SaveKey(key, loc), ErrSeparationViolation)

	// a fresh codec has no memory of the unit but still sees the identity on disk
	assert.ErrorIs(t, newCodec(t, FormatCBOR).SaveKey(key, loc), ErrSeparationViolation)

	// and the identity survived
	got, err := c.LoadID(loc)
	require.NoError(t, err)
	assert.True(t, id.Equal(got))
}

func TestSaveIdentityOverKeyRejected(t *testing.T) {
	id, key := mintPair(t)
	loc, err := NewFileLocation(filepath.Join(t.TempDir(), "shared.rec"))
	require.NoError(t, err)

	require.NoError(t, newCodec(t, FormatJSON).SaveKey(key, loc))
	assert.ErrorIs(t, newCodec(t, FormatJSON).SaveID(id, loc), ErrSeparationViolation)
}

func TestLoadFromUnitUsedForOtherKind(t *testing.T) {
	id, _ := mintPair(t)
	loc, err := NewFileLocation(filepath.Join(t.TempDir(), "device.zid"))
	require.NoError(t, err)

	c := newCodec(t, FormatBinary)
	require.NoError(t, c.SaveID(id, loc))
	_, err = c.LoadKey(loc)
	assert.ErrorIs(t, err, ErrSeparationViolation)
}

func TestCombinedRecordsRejected(t *testing.T) {
	id, key := mintPair(t)

	t.Run("binary", func(t *testing.T) {
		c := newCodec(t, FormatBinary)
		a, _ := c.EncodeID(id)
		b, _ := c.EncodeKey(key)
		_, err := DecodeID(append(a, b...))
		assert.ErrorIs(t, err, ErrSeparationViolation)
	})

	t.Run("cbor", func(t *testing.T) {
		data, err := cborEnc.Marshal(cborRecord{
			Kind: cborKindID, Version: 1,
			Hash: id.Hash[:], Salt: id.Salt[:], Created: 1,
			MAC: key.MAC(), Expiration: 2,
		})
		require.NoError(t, err)
		_, err = DecodeID(data)
		assert.ErrorIs(t, err, ErrSeparationViolation)
	})

	t.Run("json", func(t *testing.T) {
		data := []byte(`{"kind":"zid","version":1,"hash":"` + id.HashHex() + `","salt":"00","created":"2026-01-01T00:00:00Z","mac":"` + id.HashHex() + `"}`)
		_, err := DecodeID(data)
		assert.ErrorIs(t, err, ErrSeparationViolation)
	})
}

// =============================================================================
// Access Policy Tests
// =============================================================================

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	id, key := mintPair(t)
	idLoc, keyLoc := fileLocs(t, "device-42")
	require.NoError(t, newCodec(t, FormatBinary).SavePair(id, key, idLoc, keyLoc))

	assert.NoError(t, security.VerifyFilePermissions(idLoc.Path(), 0o644))
	assert.NoError(t, security.VerifyFilePermissions(keyLoc.Path(), 0o600))
}

func TestLoadKeyRefusesLoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	_, key := mintPair(t)
	_, keyLoc := fileLocs(t, "device-42")
	require.NoError(t, newCodec(t, FormatBinary).SaveKey(key, keyLoc))
	require.NoError(t, os.Chmod(keyLoc.Path(), 0o644))

	_, err := newCodec(t, FormatBinary).LoadKey(keyLoc)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, security.ErrInsecurePermissions)
}

func TestFileNames(t *testing.T) {
	idLoc, keyLoc := fileLocs(t, "device-42")
	assert.Equal(t, "device-42.zid", filepath.Base(idLoc.Path()))
	assert.Equal(t, "device-42.zid.key", filepath.Base(keyLoc.Path()))
	assert.NotEqual(t, idLoc.Unit(), keyLoc.Unit())

	_, err := IDFile(t.TempDir(), "a/b")
	assert.Error(t, err)
}

func TestFileLocationStaysInsideDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges")
	}
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "elsewhere.zid")
	require.NoError(t, os.WriteFile(outside, nil, 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "device-42"+IDSuffix)))

	_, err := IDFile(dir, "device-42")
	assert.ErrorIs(t, err, security.ErrPathOutsideRoot)

	_, err = KeyFile(dir, "device-43")
	assert.NoError(t, err)
}

// =============================================================================
// Error Tests
// =============================================================================

func TestLoadMissingIsStorageError(t *testing.T) {
	idLoc, _ := fileLocs(t, "absent")
	_, err := newCodec(t, FormatBinary).LoadID(idLoc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read", se.Op)
	assert.Equal(t, idLoc.Path(), se.Location)
}

func TestSaveToUnwritableIsStorageError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(dir, 0o500))
	loc, err := IDFile(dir, "device-42")
	require.NoError(t, err)

	id, _ := mintPair(t)
	err = newCodec(t, FormatBinary).SaveID(id, loc)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestSavePairRemovesIdentityWhenKeyFails(t *testing.T) {
	idLoc, keyLoc := fileLocs(t, "device-42")
	require.NoError(t, os.MkdirAll(keyLoc.Path(), 0o700))
	id, key := mintPair(t)
	c := newCodec(t, FormatBinary)

	err := c.SavePair(id, key, idLoc, keyLoc)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NoFileExists(t, idLoc.Path())

	// Nothing is left to block a retry
	require.NoError(t, os.Remove(keyLoc.Path()))
	require.NoError(t, c.SavePair(id, key, idLoc, keyLoc))
	gotID, gotKey, err := c.LoadPair(idLoc, keyLoc)
	require.NoError(t, err)
	assert.True(t, id.Equal(gotID))
	assert.True(t, key.Equal(gotKey))
}

func TestSavePairRestoresPreviousIdentity(t *testing.T) {
	idLoc, keyLoc := fileLocs(t, "device-42")
	id, key := mintPair(t)
	c := newCodec(t, FormatBinary)
	require.NoError(t, c.SavePair(id, key, idLoc, keyLoc))

	other, otherKey := mintPair(t)
	require.NoError(t, os.Remove(keyLoc.Path()))
	require.NoError(t, os.Mkdir(keyLoc.Path(), 0o700))
	assert.ErrorIs(t, c.SavePair(other, otherKey, idLoc, keyLoc), ErrStorage)

	got, err := c.LoadID(idLoc)
	require.NoError(t, err)
	assert.True(t, id.Equal(got))
}

func TestWrongRecordKind(t *testing.T) {
	id, key := mintPair(t)
	c := newCodec(t, FormatCBOR)
	idData, _ := c.EncodeID(id)
	keyData, _ := c.EncodeKey(key)

	_, err := DecodeKey(idData)
	assert.ErrorIs(t, err, ErrWrongRecordKind)
	_, err = DecodeID(keyData)
	assert.ErrorIs(t, err, ErrWrongRecordKind)

	kind, err := PeekKind(keyData)
	require.NoError(t, err)
	assert.Equal(t, KindKey, kind)
}

func TestMalformedRecords(t *testing.T) {
	id, _ := mintPair(t)
	good, _ := newCodec(t, FormatBinary).EncodeID(id)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMalformedRecord},
		{"truncated binary", good[:40], ErrMalformedRecord},
		{"bad magic", append([]byte("PZXX"), good[4:]...), ErrUnknownFormat},
		{"json missing field", []byte(`{"kind":"zid","version":1}`), ErrMalformedRecord},
		{"json bad hex", []byte(`{"kind":"zid","version":1,"hash":"zz","salt":"00","created":"2026-01-01T00:00:00Z"}`), ErrMalformedRecord},
		{"json unknown kind", []byte(`{"kind":"both"}`), ErrMalformedRecord},
		{"garbage", []byte{0x01, 0x02}, ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeID(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	zeroVersion := append([]byte{}, good...)
	zeroVersion[4] = 0
	_, err := DecodeID(zeroVersion)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestEncodeRejectsUnusableInputs(t *testing.T) {
	c := newCodec(t, FormatBinary)
	_, err := c.EncodeID(zero.ZeroID{})
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, key := mintPair(t)
	key.Destroy()
	_, err = c.EncodeKey(key)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatBinary, "binary": FormatBinary, "cbor": FormatCBOR, "json": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = New(Format(42))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

// =============================================================================
// SQLite Location Tests
// =============================================================================

func openStores(t *testing.T) (*store.Store, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	ids, err := store.Open(filepath.Join(dir, "ids.db"), store.KindIdentity)
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })
	keys, err := store.Open(filepath.Join(dir, "keys.db"), store.KindKey)
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })
	return ids, keys
}

func TestDBLocationRoundTrip(t *testing.T) {
	ids, keys := openStores(t)
	id, key := mintPair(t)

	idLoc := NewDBLocation(ids, "device-42")
	keyLoc := NewDBLocation(keys, "device-42")
	c := newCodec(t, FormatCBOR)
	require.NoError(t, c.SavePair(id, key, idLoc, keyLoc))

	gotID, gotKey, err := c.LoadPair(idLoc, keyLoc)
	require.NoError(t, err)
	assert.True(t, id.Equal(gotID))
	assert.True(t, key.Equal(gotKey))
}

func TestDBLocationSeparation(t *testing.T) {
	ids, keys := openStores(t)
	id, key := mintPair(t)
	c := newCodec(t, FormatBinary)

	// same database, different names: still one file
	err := c.SavePair(id, key, NewDBLocation(ids, "a"), NewDBLocation(ids, "b"))
	assert.ErrorIs(t, err, ErrSeparationViolation)

	// key into an identity database
	assert.ErrorIs(t, c.SaveKey(key, NewDBLocation(ids, "device-42")), ErrSeparationViolation)
	// identity into a key database
	assert.ErrorIs(t, c.SaveID(id, NewDBLocation(keys, "device-42")), ErrSeparationViolation)

	_, err = c.LoadKey(NewDBLocation(ids, "device-42"))
	assert.ErrorIs(t, err, ErrSeparationViolation)
}

func TestDBLocationSavePairRollback(t *testing.T) {
	ids, keys := openStores(t)
	id, key := mintPair(t)
	require.NoError(t, keys.Close())

	idLoc := NewDBLocation(ids, "device-42")
	err := newCodec(t, FormatBinary).SavePair(id, key, idLoc, NewDBLocation(keys, "device-42"))
	assert.ErrorIs(t, err, ErrStorage)

	_, err = idLoc.Peek()
	assert.ErrorIs(t, err, fs.ErrNotExist)
	n, err := ids.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDBLocationMissing(t *testing.T) {
	ids, _ := openStores(t)
	_, err := newCodec(t, FormatBinary).LoadID(NewDBLocation(ids, "absent"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
