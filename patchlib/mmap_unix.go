//go:build unix

package patchlib

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(name string, writable bool) ([]byte, func() error, func() error, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}

	f, err := os.OpenFile(name, flag, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, nil, err
	}
	if fi.Size() == 0 {
		return nil, nil, nil, errors.New("cannot map an empty file")
	}
	if int64(int(fi.Size())) != fi.Size() {
		return nil, nil, nil, errors.New("file too large to map")
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, nil, err
	}
	flush := func() error {
		return unix.Msync(b, unix.MS_SYNC)
	}
	unmap := func() error {
		return unix.Munmap(b)
	}
	return b, flush, unmap, nil
}
