//go:build !linux

package tpm

func openDevice(string) (*Reader, error) {
	return nil, ErrTPMNotAvailable
}
