package codec

import (
	"bytes"
	"fmt"

	"phantomid/internal/zero"
)

// Kind is the type of a stored record.
type Kind uint8

const (
	KindID Kind = iota + 1
	KindKey
)

func (k Kind) String() string {
	switch k {
	case KindID:
		return "identity"
	case KindKey:
		return "key"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) other() Kind {
	if k == KindID {
		return KindKey
	}
	return KindID
}

// Format is an on-disk encoding.
type Format int

const (
	FormatBinary Format = iota
	FormatCBOR
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatCBOR:
		return "cbor"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a configuration value to a Format. Empty means binary.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "binary":
		return FormatBinary, nil
	case "cbor":
		return FormatCBOR, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// MaxRecordSize bounds what Load will read.
const MaxRecordSize = 4096

// record is the decoded form of either kind. Exactly one half is set.
type record struct {
	kind Kind
	id   zero.ZeroID
	key  *zero.ZeroKey
}

// recordFormat encodes and decodes both record kinds in one encoding.
type recordFormat interface {
	encodeID(id zero.ZeroID) ([]byte, error)
	encodeKey(key *zero.ZeroKey) ([]byte, error)
	decode(data []byte) (record, error)
}

func formatFor(f Format) (recordFormat, error) {
	switch f {
	case FormatBinary:
		return binaryFormat{}, nil
	case FormatCBOR:
		return cborFormat{}, nil
	case FormatJSON:
		return jsonFormat{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, int(f))
	}
}

// DetectFormat guesses the encoding of data from its first bytes.
func DetectFormat(data []byte) (Format, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	switch {
	case len(trimmed) == 0:
		return 0, fmt.Errorf("%w: empty record", ErrMalformedRecord)
	case bytes.HasPrefix(data, idMagic[:]), bytes.HasPrefix(data, keyMagic[:]):
		return FormatBinary, nil
	case trimmed[0] == '{':
		return FormatJSON, nil
	case data[0]>>5 == 5: // CBOR major type 5: map
		return FormatCBOR, nil
	default:
		return 0, fmt.Errorf("%w: unrecognised leading byte 0x%02x", ErrUnknownFormat, data[0])
	}
}

func decodeAny(data []byte) (record, error) {
	f, err := DetectFormat(data)
	if err != nil {
		return record{}, err
	}
	rf, err := formatFor(f)
	if err != nil {
		return record{}, err
	}
	return rf.decode(data)
}

// PeekKind reports the kind of an encoded record without keeping its secret.
func PeekKind(data []byte) (Kind, error) {
	rec, err := decodeAny(data)
	if err != nil {
		return 0, err
	}
	if rec.key != nil {
		rec.key.Destroy()
	}
	return rec.kind, nil
}
