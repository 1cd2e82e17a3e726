package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"phantomid/internal/security"
	"phantomid/internal/zero"
)

// Binary layout, all integers big-endian, timestamps as Unix nanoseconds:
//
//	identity: "PZID" | version:1 | hash:32 | salt:32 | created:8           (77 bytes)
//	key:      "PZKY" | format:1  | mac:32  | timestamp:8 | expiration:8    (53 bytes)
var (
	idMagic  = [4]byte{'P', 'Z', 'I', 'D'}
	keyMagic = [4]byte{'P', 'Z', 'K', 'Y'}
)

const (
	keyFormatVersion = 1

	binaryIDSize  = 4 + 1 + zero.HashSize + zero.SaltSize + 8
	binaryKeySize = 4 + 1 + zero.HashSize + 8 + 8
)

type binaryFormat struct{}

func (binaryFormat) encodeID(id zero.ZeroID) ([]byte, error) {
	buf := make([]byte, 0, binaryIDSize)
	buf = append(buf, idMagic[:]...)
	buf = append(buf, id.Version)
	buf = append(buf, id.Hash[:]...)
	buf = append(buf, id.Salt[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(id.Created.UnixNano()))
	return buf, nil
}

func (binaryFormat) encodeKey(key *zero.ZeroKey) ([]byte, error) {
	mac := key.MAC()
	if mac == nil {
		return nil, fmt.Errorf("%w: key has been destroyed", ErrMalformedRecord)
	}
	defer security.Wipe(mac)

	buf := make([]byte, 0, binaryKeySize)
	buf = append(buf, keyMagic[:]...)
	buf = append(buf, keyFormatVersion)
	buf = append(buf, mac...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(key.Timestamp.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(key.Expiration.UnixNano()))
	return buf, nil
}

func (binaryFormat) decode(data []byte) (record, error) {
	if len(data) < 4 {
		return record{}, fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(data))
	}
	var magic [4]byte
	copy(magic[:], data)

	switch magic {
	case idMagic:
		if len(data) != binaryIDSize {
			return record{}, sizeError(KindID, len(data), binaryIDSize)
		}
		var id zero.ZeroID
		p := data[4:]
		id.Version = p[0]
		copy(id.Hash[:], p[1:1+zero.HashSize])
		p = p[1+zero.HashSize:]
		copy(id.Salt[:], p[:zero.SaltSize])
		id.Created = unixNano(p[zero.SaltSize:])
		if id.Version == 0 {
			return record{}, fmt.Errorf("%w: identity version 0", ErrMalformedRecord)
		}
		return record{kind: KindID, id: id}, nil

	case keyMagic:
		if len(data) != binaryKeySize {
			return record{}, sizeError(KindKey, len(data), binaryKeySize)
		}
		p := data[4:]
		if p[0] != keyFormatVersion {
			return record{}, fmt.Errorf("%w: key format %d", ErrMalformedRecord, p[0])
		}
		mac := make([]byte, zero.HashSize)
		copy(mac, p[1:1+zero.HashSize])
		p = p[1+zero.HashSize:]
		key, err := zero.NewZeroKey(mac, unixNano(p[:8]), unixNano(p[8:16]))
		if err != nil {
			return record{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
		}
		return record{kind: KindKey, key: key}, nil

	default:
		return record{}, fmt.Errorf("%w: bad magic %q", ErrMalformedRecord, magic[:])
	}
}

// sizeError flags a wrong-length record. A record long enough to hold both
// halves is a combined record, which is worse than malformed.
func sizeError(kind Kind, got, want int) error {
	if got >= binaryIDSize+binaryKeySize {
		return fmt.Errorf("%w: %s record carries %d extra bytes", ErrSeparationViolation, kind, got-want)
	}
	return fmt.Errorf("%w: %s record is %d bytes, want %d", ErrMalformedRecord, kind, got, want)
}

func unixNano(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC()
}
