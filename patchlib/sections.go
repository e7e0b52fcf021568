package patchlib

import (
	"bytes"
	"debug/pe"
	"errors"
	"fmt"
	"sort"
)

var ErrNotPE = errors.New("not a PE image")

// Section is the file and memory placement of one PE section.
type Section struct {
	Name           string
	Offset         uint64 // PointerToRawData
	Size           uint64 // SizeOfRawData
	VirtualAddress uint64
}

// SectionMap converts file offsets (FOA) into relative virtual addresses (RVA)
// using the section headers of a PE image.
type SectionMap struct {
	sections []Section // sorted by Offset, without empty sections
}

// NewSectionMap parses the section headers of a PE image.
func NewSectionMap(buf []byte) (*SectionMap, error) {
	f, err := pe.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	defer f.Close()

	m := &SectionMap{}
	for _, s := range f.Sections {
		if s.Size == 0 {
			continue
		}
		m.sections = append(m.sections, Section{
			Name:           s.Name,
			Offset:         uint64(s.Offset),
			Size:           uint64(s.Size),
			VirtualAddress: uint64(s.VirtualAddress),
		})
	}
	if len(m.sections) == 0 {
		return nil, fmt.Errorf("%w: no sections with raw data", ErrNotPE)
	}
	sort.Slice(m.sections, func(i, j int) bool {
		return m.sections[i].Offset < m.sections[j].Offset
	})
	return m, nil
}

// Sections returns the sections in file order.
func (m *SectionMap) Sections() []Section {
	return m.sections
}

// RVA converts a file offset into a relative virtual address. Offsets before
// the first section (the headers) map to themselves.
func (m *SectionMap) RVA(foa uint64) (uint64, error) {
	if foa < m.sections[0].Offset {
		return foa, nil
	}
	for _, s := range m.sections {
		if foa >= s.Offset && foa < s.Offset+s.Size {
			return s.VirtualAddress + (foa - s.Offset), nil
		}
	}
	return 0, fmt.Errorf("%w: file offset %#x is not inside any section", ErrOutOfRange, foa)
}

// Section returns the section containing a file offset.
func (m *SectionMap) Section(foa uint64) (Section, bool) {
	for _, s := range m.sections {
		if foa >= s.Offset && foa < s.Offset+s.Size {
			return s, true
		}
	}
	return Section{}, false
}
