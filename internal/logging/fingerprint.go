package logging

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	fpNonce     [32]byte
	fpNonceOnce sync.Once

	// nonceSource feeds the per-process fingerprint nonce.
	nonceSource io.Reader = rand.Reader
)

// Fingerprint returns "fp_" and 16 hex characters of SHA-256(b ‖ nonce), where
// the nonce is drawn once per process. Fingerprints are stable within one run
// and unrelated across runs.
func Fingerprint(b []byte) string {
	fpNonceOnce.Do(func() {
		var err error
		fpNonce, err = newNonce(nonceSource)
		if err != nil {
			slog.Default().Warn("fingerprint nonce drawn from process state", "error", err)
		}
	})
	h := sha256.New()
	h.Write(b)
	h.Write(fpNonce[:])
	sum := h.Sum(nil)
	return "fp_" + hex.EncodeToString(sum[:8])
}

// newNonce reads a nonce from r. If r fails, the nonce is hashed from the
// pid and the clock so it still differs between runs, and the read error is
// returned with it.
func newNonce(r io.Reader) ([32]byte, error) {
	var nonce [32]byte
	_, err := io.ReadFull(r, nonce[:])
	if err == nil {
		return nonce, nil
	}

	var state [24]byte
	binary.BigEndian.PutUint64(state[0:], uint64(os.Getpid()))
	binary.BigEndian.PutUint64(state[8:], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(state[16:], uint64(os.Getppid()))
	return sha256.Sum256(state[:]), err
}

// FingerprintAttr is slog.String(key, Fingerprint(b)).
func FingerprintAttr(key string, b []byte) slog.Attr {
	return slog.String(key, Fingerprint(b))
}
