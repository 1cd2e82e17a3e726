package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"phantomid/internal/security"
	"phantomid/internal/zero"
)

const recordSchemaURL = "phantomid://schema/record.json"

// recordSchema admits exactly one of the two record shapes. Neither shape
// allows extra properties, so a combined record cannot pass.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "oneOf": [
    {
      "type": "object",
      "additionalProperties": false,
      "required": ["kind", "version", "hash", "salt", "created"],
      "properties": {
        "kind":    {"const": "zid"},
        "version": {"type": "integer", "minimum": 1, "maximum": 255},
        "hash":    {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "salt":    {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "created": {"type": "string", "format": "date-time"}
      }
    },
    {
      "type": "object",
      "additionalProperties": false,
      "required": ["kind", "mac", "timestamp", "expiration"],
      "properties": {
        "kind":       {"const": "zkey"},
        "mac":        {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "timestamp":  {"type": "string", "format": "date-time"},
        "expiration": {"type": "string", "format": "date-time"}
      }
    }
  ]
}`

var recordValidator = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource(recordSchemaURL, bytes.NewReader([]byte(recordSchema))); err != nil {
		panic(fmt.Sprintf("add record schema: %v", err))
	}
	return c.MustCompile(recordSchemaURL)
}()

type jsonRecord struct {
	Kind       string `json:"kind"`
	Version    uint8  `json:"version,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Salt       string `json:"salt,omitempty"`
	Created    string `json:"created,omitempty"`
	MAC        string `json:"mac,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Expiration string `json:"expiration,omitempty"`
}

type jsonFormat struct{}

func (jsonFormat) encodeID(id zero.ZeroID) ([]byte, error) {
	return json.MarshalIndent(jsonRecord{
		Kind:    cborKindID,
		Version: id.Version,
		Hash:    hex.EncodeToString(id.Hash[:]),
		Salt:    hex.EncodeToString(id.Salt[:]),
		Created: id.Created.UTC().Format(time.RFC3339Nano),
	}, "", "  ")
}

func (jsonFormat) encodeKey(key *zero.ZeroKey) ([]byte, error) {
	mac := key.MAC()
	if mac == nil {
		return nil, fmt.Errorf("%w: key has been destroyed", ErrMalformedRecord)
	}
	defer security.Wipe(mac)

	return json.MarshalIndent(jsonRecord{
		Kind:       cborKindKey,
		MAC:        hex.EncodeToString(mac),
		Timestamp:  key.Timestamp.UTC().Format(time.RFC3339Nano),
		Expiration: key.Expiration.UTC().Format(time.RFC3339Nano),
	}, "", "  ")
}

func (jsonFormat) decode(data []byte) (record, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return record{}, fmt.Errorf("%w: json: %v", ErrMalformedRecord, err)
	}
	_, hasHash := doc["hash"]
	_, hasSalt := doc["salt"]
	_, hasMAC := doc["mac"]
	if (hasHash || hasSalt) && hasMAC {
		return record{}, fmt.Errorf("%w: json record carries identity and key fields", ErrSeparationViolation)
	}
	if err := recordValidator.Validate(doc); err != nil {
		return record{}, fmt.Errorf("%w: schema: %v", ErrMalformedRecord, err)
	}

	var r jsonRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("%w: json: %v", ErrMalformedRecord, err)
	}

	switch r.Kind {
	case cborKindID:
		hash, _ := hex.DecodeString(r.Hash)
		salt, _ := hex.DecodeString(r.Salt)
		created, err := parseTime(r.Created)
		if err != nil {
			return record{}, err
		}
		id, err := buildID(r.Version, hash, salt, created.UnixNano())
		if err != nil {
			return record{}, err
		}
		return record{kind: KindID, id: id}, nil

	default: // the schema admits only "zkey" otherwise
		mac, _ := hex.DecodeString(r.MAC)
		defer security.Wipe(mac)
		ts, err := parseTime(r.Timestamp)
		if err != nil {
			return record{}, err
		}
		exp, err := parseTime(r.Expiration)
		if err != nil {
			return record{}, err
		}
		key, err := buildKey(mac, ts.UnixNano(), exp.UnixNano())
		if err != nil {
			return record{}, err
		}
		return record{kind: KindKey, key: key}, nil
	}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedRecord, s, err)
	}
	return t, nil
}
