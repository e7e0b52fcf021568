// Package petest builds minimal PE images for tests.
package petest

import (
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	// TextOffset and TextRVA are the file offset and RVA of the .text section
	// created by Code.
	TextOffset = 0x200
	TextRVA    = 0x1000

	fileAlign = 0x200
)

// Section is a section of a synthetic image.
type Section struct {
	Name           string
	VirtualAddress uint32
	Data           []byte
}

// Image describes a synthetic image. If Version is set, a .rsrc section with a
// VS_VERSION_INFO block is appended.
type Image struct {
	Sections []Section
	Version  string
}

// Code returns an image with a single .text section holding code.
func Code(code []byte) []byte {
	return Build(Image{Sections: []Section{{Name: ".text", VirtualAddress: TextRVA, Data: code}}})
}

// CodeVersion is like Code with a version resource.
func CodeVersion(code []byte, version string) []byte {
	return Build(Image{Sections: []Section{{Name: ".text", VirtualAddress: TextRVA, Data: code}}, Version: version})
}

// Build lays out an image with no optional header. Section raw data starts at
// TextOffset and is aligned to 0x200.
func Build(img Image) []byte {
	secs := img.Sections
	if img.Version != "" {
		va := uint32(TextRVA)
		for _, s := range secs {
			if end := s.VirtualAddress + uint32(align(len(s.Data))); end > va {
				va = end
			}
		}
		secs = append(secs[:len(secs):len(secs)], Section{Name: ".rsrc", VirtualAddress: va, Data: versionInfo(img.Version)})
	}

	buf := make([]byte, TextOffset)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], 0x40)
	copy(buf[0x40:], "PE\x00\x00")

	fh := buf[0x44:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	binary.LittleEndian.PutUint16(fh[2:], uint16(len(secs)))
	binary.LittleEndian.PutUint16(fh[16:], 0) // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(fh[18:], 0x22)

	off := TextOffset
	for i, s := range secs {
		sh := buf[0x58+40*i:]
		copy(sh[0:8], s.Name)
		size := align(len(s.Data))
		binary.LittleEndian.PutUint32(sh[8:], uint32(len(s.Data)))
		binary.LittleEndian.PutUint32(sh[12:], s.VirtualAddress)
		binary.LittleEndian.PutUint32(sh[16:], uint32(size))
		binary.LittleEndian.PutUint32(sh[20:], uint32(off))
		binary.LittleEndian.PutUint32(sh[36:], 0x60000020)
		off += size
	}
	for _, s := range secs {
		data := make([]byte, align(len(s.Data)))
		copy(data, s.Data)
		buf = append(buf, data...)
	}
	return buf
}

func align(n int) int {
	if n == 0 {
		return 0
	}
	return (n + fileAlign - 1) / fileAlign * fileAlign
}

func versionInfo(version string) []byte {
	var parts [4]uint64
	for i, p := range strings.SplitN(version, ".", 4) {
		parts[i], _ = strconv.ParseUint(p, 10, 16)
	}

	key, _ := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte("VS_VERSION_INFO\x00"))
	b := make([]byte, 6, 128)
	b = append(b, key...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	fixed := make([]byte, 52)
	binary.LittleEndian.PutUint32(fixed[0:], 0xFEEF04BD)
	binary.LittleEndian.PutUint32(fixed[4:], 0x00010000)
	binary.LittleEndian.PutUint32(fixed[8:], uint32(parts[0]<<16|parts[1]))
	binary.LittleEndian.PutUint32(fixed[12:], uint32(parts[2]<<16|parts[3]))
	b = append(b, fixed...)
	binary.LittleEndian.PutUint16(b[0:], uint16(len(b)))
	binary.LittleEndian.PutUint16(b[2:], 52)
	return b
}
