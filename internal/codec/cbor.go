package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"phantomid/internal/security"
	"phantomid/internal/zero"
)

// CBOR records are maps with small integer keys. Both kinds share one key
// space so a decoder sees every field of a combined record.
const (
	cborKindID  = "zid"
	cborKindKey = "zkey"
)

type cborRecord struct {
	Kind       string `cbor:"1,keyasint"`
	Version    uint8  `cbor:"2,keyasint,omitempty"`
	Hash       []byte `cbor:"3,keyasint,omitempty"`
	Salt       []byte `cbor:"4,keyasint,omitempty"`
	Created    int64  `cbor:"5,keyasint,omitempty"`
	MAC        []byte `cbor:"6,keyasint,omitempty"`
	Timestamp  int64  `cbor:"7,keyasint,omitempty"`
	Expiration int64  `cbor:"8,keyasint,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Strict: a stored record is never forward-compatible input.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxMapPairs:       16,
	}
	cborDec, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type cborFormat struct{}

func (cborFormat) encodeID(id zero.ZeroID) ([]byte, error) {
	return cborEnc.Marshal(cborRecord{
		Kind:    cborKindID,
		Version: id.Version,
		Hash:    id.Hash[:],
		Salt:    id.Salt[:],
		Created: id.Created.UnixNano(),
	})
}

func (cborFormat) encodeKey(key *zero.ZeroKey) ([]byte, error) {
	mac := key.MAC()
	if mac == nil {
		return nil, fmt.Errorf("%w: key has been destroyed", ErrMalformedRecord)
	}
	defer security.Wipe(mac)

	return cborEnc.Marshal(cborRecord{
		Kind:       cborKindKey,
		MAC:        mac,
		Timestamp:  key.Timestamp.UnixNano(),
		Expiration: key.Expiration.UnixNano(),
	})
}

func (cborFormat) decode(data []byte) (record, error) {
	var r cborRecord
	if err := cborDec.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("%w: cbor: %v", ErrMalformedRecord, err)
	}
	defer security.Wipe(r.MAC)

	hasID := r.Hash != nil || r.Salt != nil || r.Version != 0 || r.Created != 0
	hasKey := r.MAC != nil || r.Timestamp != 0 || r.Expiration != 0
	if hasID && hasKey {
		return record{}, fmt.Errorf("%w: cbor record carries identity and key fields", ErrSeparationViolation)
	}

	switch r.Kind {
	case cborKindID:
		if hasKey {
			return record{}, fmt.Errorf("%w: identity record carries key fields", ErrSeparationViolation)
		}
		id, err := buildID(r.Version, r.Hash, r.Salt, r.Created)
		if err != nil {
			return record{}, err
		}
		return record{kind: KindID, id: id}, nil

	case cborKindKey:
		if hasID {
			return record{}, fmt.Errorf("%w: key record carries identity fields", ErrSeparationViolation)
		}
		key, err := buildKey(r.MAC, r.Timestamp, r.Expiration)
		if err != nil {
			return record{}, err
		}
		return record{kind: KindKey, key: key}, nil

	default:
		return record{}, fmt.Errorf("%w: cbor kind %q", ErrMalformedRecord, r.Kind)
	}
}
