package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phantomid/internal/codec"
	"phantomid/internal/config"
)

type result struct {
	code   int
	stdout string
	stderr string
}

// isolate points every configurable path into a fresh temporary tree and
// returns that tree's root.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "share"))
	t.Setenv("PHANTOMID_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("PHANTOMID_CONFIG", filepath.Join(dir, "config.toml"))
	t.Setenv("PHANTOMID_LOG_PATH", filepath.Join(dir, "logs", "phantomid.log"))
	t.Setenv("PHANTOMID_ID_DIR", filepath.Join(dir, "data", "identities"))
	t.Setenv("PHANTOMID_KEY_DIR", filepath.Join(dir, "data", "keys"))
	for _, k := range []string{
		"PHANTOMID_LOG_LEVEL", "PHANTOMID_ENTROPY_SOURCE", "PHANTOMID_TPM_PATH",
		"PHANTOMID_STORAGE_FORMAT", "PHANTOMID_KEY_TTL_HOURS",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	return runCLIContext(t, context.Background(), stdin, args...)
}

func runCLIContext(t *testing.T, ctx context.Context, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &cli{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &stderr})
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestNoArgsPrintsUsage(t *testing.T) {
	r := runCLI(t, "")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "USAGE:")
}

func TestUnknownCommand(t *testing.T) {
	r := runCLI(t, "", "frobnicate")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "Unknown command: frobnicate")
}

func TestVersion(t *testing.T) {
	r := runCLI(t, "", "version")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "phantomctl dev")
}

func TestDemo(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	r := runCLI(t, "", "demo", "-dir", dir, "-network", "mesh-7")
	require.Equal(t, 0, r.code, r.stderr)

	assert.Contains(t, r.stdout, "Enrolled alice")
	assert.Contains(t, r.stdout, "Enrolled bob")
	assert.Contains(t, r.stdout, "Authenticate alice with bob's key: rejected: key_mismatch")
	assert.Contains(t, r.stdout, "Join mesh-7 as alice")
	assert.Contains(t, r.stdout, "Replay of the same proof: refused")
	assert.Contains(t, r.stdout, "Restore alice from storage and authenticate: verified")
	assert.Equal(t, 6, strings.Count(r.stdout, ": verified"))

	assert.FileExists(t, filepath.Join(dir, "identities", "alice.zid"))
	assert.FileExists(t, filepath.Join(dir, "keys", "alice.zid.key"))

	// Raw identifiers never reach either stream
	assert.NotContains(t, r.stdout+r.stderr, "device-alice-serial")
}

func TestDemoTemporaryStorageRemoved(t *testing.T) {
	isolate(t)
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	r := runCLI(t, "", "demo")
	require.Equal(t, 0, r.code, r.stderr)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnrollListInspect(t *testing.T) {
	root := isolate(t)

	r := runCLI(t, "", "enroll", "-id", "serial-0001", "kitchen-sensor")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Enrolled kitchen-sensor")
	assert.NotContains(t, r.stdout+r.stderr, "serial-0001")

	r = runCLI(t, "serial-0002\n", "enroll", "-id", "-", "door-lock")
	require.Equal(t, 0, r.code, r.stderr)

	r = runCLI(t, "", "list")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "door-lock\nkitchen-sensor\n", r.stdout)

	idFile := filepath.Join(root, "data", "identities", "kitchen-sensor"+codec.IDSuffix)
	r = runCLI(t, "", "inspect", idFile)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Kind:    identity")
	assert.Contains(t, r.stdout, "Format:  binary")
	assert.Contains(t, r.stdout, "Hash:    ")

	keyFile := filepath.Join(root, "data", "keys", "kitchen-sensor"+codec.KeySuffix)
	r = runCLI(t, "", "inspect", keyFile)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Kind:    key")
	assert.Contains(t, r.stdout, "Expired: false")
	assert.Contains(t, r.stdout, "Secret:  (withheld)")
}

func TestEnrollErrors(t *testing.T) {
	isolate(t)

	r := runCLI(t, "", "enroll", "kitchen-sensor")
	assert.Equal(t, 2, r.code, "missing -id")

	r = runCLI(t, "", "enroll", "-id", "x")
	assert.Equal(t, 2, r.code, "missing name")

	r = runCLI(t, "", "enroll", "-id", "serial-0001", "kitchen-sensor")
	require.Equal(t, 0, r.code, r.stderr)
	r = runCLI(t, "", "enroll", "-id", "serial-0001", "kitchen-sensor")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "already enrolled")

	r = runCLI(t, "", "enroll", "-id", "serial-0001", "../escape")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "invalid device name")
}

func TestEnrollSQLite(t *testing.T) {
	root := isolate(t)
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Format = "cbor"
	cfg.Storage.IDDB = filepath.Join(root, "db", "ids.db")
	cfg.Storage.KeyDB = filepath.Join(root, "db", "keys.db")
	cfgPath := filepath.Join(root, "sqlite.toml")
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	r := runCLI(t, "", "enroll", "-config", cfgPath, "-id", "serial-0001", "gateway")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "ids.db#gateway")

	r = runCLI(t, "", "list", "-config", cfgPath)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "gateway\n", r.stdout)
}

func TestInspectRejectsGarbage(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "junk.zid")
	require.NoError(t, os.WriteFile(path, []byte("not a record"), 0644))

	r := runCLI(t, "", "inspect", path)
	assert.Equal(t, 1, r.code)

	r = runCLI(t, "", "inspect")
	assert.Equal(t, 2, r.code)
}

func TestConfigInitAndShow(t *testing.T) {
	root := isolate(t)
	path := filepath.Join(root, "config.toml")

	r := runCLI(t, "", "config", "init")
	require.Equal(t, 0, r.code, r.stderr)
	assert.FileExists(t, path)

	r = runCLI(t, "", "config", "init")
	assert.Equal(t, 1, r.code, "refuses to overwrite")

	r = runCLI(t, "", "config", "init", "-force")
	assert.Equal(t, 0, r.code, r.stderr)

	r = runCLI(t, "", "config", "show")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Key TTL:       720h0m0s")
	assert.Contains(t, r.stdout, "Storage:       file (binary)")

	r = runCLI(t, "", "config", "explode")
	assert.Equal(t, 2, r.code)
}

func TestConfigInvalid(t *testing.T) {
	root := isolate(t)
	path := filepath.Join(root, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1\n[auth]\nchallenge_ttl_sec = -1\n"), 0644))

	r := runCLI(t, "", "list", "-config", path)
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "auth.challenge_ttl_sec")
}

func TestServeStopsOnCancel(t *testing.T) {
	root := isolate(t)
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = true
	cfgPath := filepath.Join(root, "serve.toml")
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	r := runCLIContext(t, ctx, "", "serve", "-config", cfgPath, "-listen", "127.0.0.1:0")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Serving health and metrics on http://127.0.0.1:")
	assert.Contains(t, r.stdout, "Verifier running")
	assert.Contains(t, r.stdout, "Stopped.")
}
