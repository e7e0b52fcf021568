//go:build windows

package patchlib

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapFile(name string, writable bool) ([]byte, func() error, func() error, error) {
	flag := os.O_RDONLY
	prot, access := uint32(windows.PAGE_READONLY), uint32(windows.FILE_MAP_READ)
	if writable {
		flag = os.O_RDWR
		prot, access = windows.PAGE_READWRITE, windows.FILE_MAP_WRITE
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
	size := fi.Size()
	if size == 0 {
		return nil, nil, nil, errors.New("cannot map an empty file")
	}

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, prot, uint32(size>>32), uint32(size), nil)
	if err != nil {
		return nil, nil, nil, os.NewSyscallError("CreateFileMapping", err)
	}
	addr, err := windows.MapViewOfFile(h, access, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, nil, nil, os.NewSyscallError("MapViewOfFile", err)
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	flush := func() error {
		return windows.FlushViewOfFile(addr, uintptr(size))
	}
	unmap := func() error {
		if err := windows.UnmapViewOfFile(addr); err != nil {
			windows.CloseHandle(h)
			return err
		}
		return windows.CloseHandle(h)
	}
	return b, flush, unmap, nil
}
