//go:build linux

package tpm

import (
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

func openDevice(path string) (*Reader, error) {
	t, err := transport.OpenTPM(path)
	if err != nil {
		return nil, err
	}

	return &Reader{
		path: path,
		random: func(n uint16) ([]byte, error) {
			rsp, err := tpm2.GetRandom{BytesRequested: n}.Execute(t)
			if err != nil {
				return nil, err
			}
			return rsp.RandomBytes.Buffer, nil
		},
		closer: t,
	}, nil
}
