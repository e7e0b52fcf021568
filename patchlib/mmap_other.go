//go:build !unix && !windows

package patchlib

import "errors"

func mapFile(name string, writable bool) ([]byte, func() error, func() error, error) {
	return nil, nil, nil, errors.ErrUnsupported
}
