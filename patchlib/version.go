package patchlib

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var ErrNoVersion = errors.New("no version resource")

// fixedFileInfoSignature is VS_FIXEDFILEINFO.dwSignature.
const fixedFileInfoSignature = 0xFEEF04BD

var versionInfoKey = func() []byte {
	b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte("VS_VERSION_INFO"))
	if err != nil {
		panic(err)
	}
	return b
}()

// FileVersion returns the file version ("major.minor.build.revision") from the
// VS_VERSION_INFO resource of a PE image. The .rsrc section is searched if the
// image parses, otherwise the whole buffer is.
func FileVersion(buf []byte) (string, error) {
	data := buf
	if f, err := pe.NewFile(bytes.NewReader(buf)); err == nil {
		if s := f.Section(".rsrc"); s != nil {
			if d, err := s.Data(); err == nil {
				data = d
			}
		}
		f.Close()
	}

	i := bytes.Index(data, versionInfoKey)
	if i < 0 {
		return "", ErrNoVersion
	}
	// the fixed info follows the key, its null terminator and dword padding
	for j := i + len(versionInfoKey); j+16 <= len(data) && j < i+len(versionInfoKey)+16; j++ {
		if binary.LittleEndian.Uint32(data[j:]) != fixedFileInfoSignature {
			continue
		}
		ms := binary.LittleEndian.Uint32(data[j+8:])
		ls := binary.LittleEndian.Uint32(data[j+12:])
		return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xFFFF, ls>>16, ls&0xFFFF), nil
	}
	return "", fmt.Errorf("%w: missing VS_FIXEDFILEINFO", ErrNoVersion)
}

// FileVersionOf reads the file version of the PE image at name. Images without
// a version resource return an empty string.
func FileVersionOf(name string) (string, error) {
	p, err := Open(name, "", false)
	if err != nil {
		return "", err
	}
	defer p.Close()

	v, err := FileVersion(p.GetBytes())
	if errors.Is(err, ErrNoVersion) {
		return "", nil
	}
	return v, err
}
