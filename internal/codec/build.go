package codec

import (
	"fmt"
	"time"

	"phantomid/internal/zero"
)

func buildID(version uint8, hash, salt []byte, createdNs int64) (zero.ZeroID, error) {
	if version == 0 {
		return zero.ZeroID{}, fmt.Errorf("%w: identity version 0", ErrMalformedRecord)
	}
	if len(hash) != zero.HashSize || len(salt) != zero.SaltSize {
		return zero.ZeroID{}, fmt.Errorf("%w: hash %d bytes, salt %d bytes", ErrMalformedRecord, len(hash), len(salt))
	}
	id := zero.ZeroID{Version: version, Created: time.Unix(0, createdNs).UTC()}
	copy(id.Hash[:], hash)
	copy(id.Salt[:], salt)
	return id, nil
}

// buildKey copies mac into protected memory; the caller wipes its own copy.
func buildKey(mac []byte, timestampNs, expirationNs int64) (*zero.ZeroKey, error) {
	if len(mac) != zero.HashSize {
		return nil, fmt.Errorf("%w: mac %d bytes", ErrMalformedRecord, len(mac))
	}
	buf := make([]byte, len(mac))
	copy(buf, mac)
	key, err := zero.NewZeroKey(buf, time.Unix(0, timestampNs).UTC(), time.Unix(0, expirationNs).UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return key, nil
}
