// Package tpm supplies entropy from a TPM 2.0 random number generator.
//
// The TPM is an optional entropy source for minting identifiers. It is
// selected through configuration and handed to the secret context as a
// plain io.Reader, so nothing above this package knows where bytes come from.
// Only Linux device access (/dev/tpmrm0, /dev/tpm0) is supported.
package tpm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Error definitions for TPM operations.
var (
	ErrTPMNotAvailable = errors.New("tpm: hardware not available")
	ErrTPMNotOpen      = errors.New("tpm: device not open")
	ErrShortRandom     = errors.New("tpm: random number generator returned no bytes")
)

// maxRandomChunk bounds a single GetRandom request. TPMs cap the response
// at the size of their largest digest, so larger reads are split.
const maxRandomChunk = 32

// TPM device paths in order of preference
var devicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// DetectDevice returns the first TPM device path that exists, or "".
func DetectDevice() string {
	for _, path := range devicePaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// randomFunc asks the device for up to n random bytes.
type randomFunc func(n uint16) ([]byte, error)

// Reader is an io.ReadCloser over a TPM random number generator.
type Reader struct {
	mu     sync.Mutex
	path   string
	random randomFunc
	closer io.Closer
	closed bool
}

// Open opens the TPM at path. An empty path selects the first detected device.
func Open(path string) (*Reader, error) {
	if path == "" {
		path = DetectDevice()
	}
	if path == "" {
		return nil, ErrTPMNotAvailable
	}
	r, err := openDevice(path)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to open %s: %w", path, err)
	}
	return r, nil
}

// Path returns the device path backing the reader.
func (r *Reader) Path() string {
	return r.path
}

// Read fills p with random bytes from the TPM. It either fills p completely
// or returns an error; callers treat any error as missing entropy.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrTPMNotOpen
	}

	n := 0
	for n < len(p) {
		want := min(len(p)-n, maxRandomChunk)
		buf, err := r.random(uint16(want))
		if err != nil {
			return n, fmt.Errorf("tpm: GetRandom failed: %w", err)
		}
		if len(buf) == 0 {
			return n, ErrShortRandom
		}
		n += copy(p[n:], buf)
	}
	return n, nil
}

// Close releases the device. It is safe to call more than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
