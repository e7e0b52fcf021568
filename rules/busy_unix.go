//go:build unix

package rules

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isBusy(err error) bool {
	return errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EBUSY)
}
