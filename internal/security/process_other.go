//go:build !unix

package security

// DisableCoreDumps is a no-op where resource limits are unavailable.
func DisableCoreDumps() error {
	return nil
}

// DebuggerAttached always reports false on this platform.
func DebuggerAttached() bool {
	return false
}
