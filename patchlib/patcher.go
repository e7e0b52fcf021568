// Package patchlib provides the byte level primitives used to patch PE binaries.
package patchlib

import (
	"errors"
	"fmt"
	"os"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

var (
	ErrOutOfRange = errors.New("offset out of range")
	ErrReadOnly   = errors.New("patcher is read-only")
)

// Patcher is a bounds-checked view over the bytes of a file. When opened from
// a file it is backed by a memory mapping if possible, falling back to a full
// read of the file.
type Patcher struct {
	buf      []byte
	file     string
	save     string
	writable bool
	mapped   bool
	flush    func() error
	unmap    func() error
	hook     func(offset int, find, replace []byte) error

	sectionsLoaded bool // for lazy-loading on first use
	sections       *SectionMap
	sectionsErr    error
}

// NewPatcher creates a new writable Patcher over an in-memory buffer. Flush is
// a no-op unless SaveTo is used.
func NewPatcher(in []byte) *Patcher {
	return &Patcher{buf: in, writable: true}
}

// Open opens input for reading, or for writing if writable is set. Writes are
// flushed to save: in place when save is the same file (using a writable
// mapping), or as a new file otherwise.
func Open(input, save string, writable bool) (*Patcher, error) {
	p := &Patcher{file: input, save: save, writable: writable}

	mapWritable := writable && input == save
	if !writable || mapWritable {
		buf, flush, unmap, err := mapFile(input, mapWritable)
		if err == nil {
			p.buf, p.flush, p.unmap, p.mapped = buf, flush, unmap, true
			Log("opened %s with mmap (writable: %t, size: %d)\n", input, mapWritable, len(buf))
			return p, nil
		}
		Log("could not mmap %s, falling back to a full read: %v\n", input, err)
	}

	buf, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	p.buf = buf
	Log("opened %s with a full read (writable: %t, size: %d)\n", input, writable, len(buf))
	return p, nil
}

// GetBytes returns the current content of the Patcher. It must not be retained
// after Close.
func (p *Patcher) GetBytes() []byte {
	return p.buf
}

// Len returns the size of the buffer.
func (p *Patcher) Len() int {
	return len(p.buf)
}

// File returns the path the Patcher was opened from.
func (p *Patcher) File() string {
	return p.file
}

// SaveFile returns the path Flush writes to.
func (p *Patcher) SaveFile() string {
	return p.save
}

// Writable reports whether Write is allowed.
func (p *Patcher) Writable() bool {
	return p.writable
}

// Mapped reports whether the buffer is a memory mapping.
func (p *Patcher) Mapped() bool {
	return p.mapped
}

// Hook sets a hook to be called right before every change. If it returns an
// error, it will be passed on. If nil (the default), the hook will be removed.
// The find and replace arguments MUST NOT be modified by the hook.
func (p *Patcher) Hook(fn func(offset int, find, replace []byte) error) {
	p.hook = fn
}

// Check returns an error if [offset, offset+n) is not inside the buffer.
func (p *Patcher) Check(offset, n int) error {
	if offset < 0 || n < 0 {
		return fmt.Errorf("%w: negative offset or length (%d, %d)", ErrOutOfRange, offset, n)
	}
	if offset > len(p.buf) {
		return fmt.Errorf("%w: offset %#x past end of buf (%#x)", ErrOutOfRange, offset, len(p.buf))
	}
	if offset+n > len(p.buf) {
		return fmt.Errorf("%w: %d bytes at %#x past end of buf (%#x)", ErrOutOfRange, n, offset, len(p.buf))
	}
	return nil
}

// Read returns a copy of n bytes at offset.
func (p *Patcher) Read(offset, n int) ([]byte, error) {
	if err := p.Check(offset, n); err != nil {
		return nil, fmt.Errorf("Read: %w", err)
	}
	b := make([]byte, n)
	copy(b, p.buf[offset:offset+n])
	return b, nil
}

// ReadHex returns n bytes at offset as uppercase hex.
func (p *Patcher) ReadHex(offset, n int) (string, error) {
	b, err := p.Read(offset, n)
	if err != nil {
		return "", err
	}
	return EncodeHex(b), nil
}

// Write overwrites the bytes at offset.
func (p *Patcher) Write(offset int, data []byte) error {
	if !p.writable {
		return fmt.Errorf("Write: %w", ErrReadOnly)
	}
	if err := p.Check(offset, len(data)); err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	if p.hook != nil {
		if err := p.hook(offset, p.buf[offset:offset+len(data)], data); err != nil {
			return fmt.Errorf("Write: hook returned error: %w", err)
		}
	}
	copy(p.buf[offset:], data)
	return nil
}

// WriteHex decodes a hex string and writes it at offset. Wildcards are not
// allowed.
func (p *Patcher) WriteHex(offset int, hex string) error {
	b, err := DecodeHex(hex)
	if err != nil {
		return fmt.Errorf("WriteHex: %w", err)
	}
	return p.Write(offset, b)
}

// Find returns the offset of the first occurrence of a hex pattern.
func (p *Patcher) Find(pattern string) (int, error) {
	pat, err := CompilePattern(pattern)
	if err != nil {
		return -1, fmt.Errorf("Find: %w", err)
	}
	i, err := pat.Find(p.buf)
	if err != nil {
		return -1, fmt.Errorf("Find: %w", err)
	}
	return i, nil
}

// FindAll returns the offsets of every occurrence of a hex pattern. If limit
// is positive and more than limit occurrences exist, ErrTooManyMatches is
// returned along with the first limit+1 offsets.
func (p *Patcher) FindAll(pattern string, limit int) ([]int, error) {
	pat, err := CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("FindAll: %w", err)
	}
	offs, err := pat.FindAll(p.buf, limit)
	if err != nil {
		return offs, fmt.Errorf("FindAll: %w", err)
	}
	return offs, nil
}

// Sections returns the PE section map of the buffer. It is parsed on first use.
func (p *Patcher) Sections() (*SectionMap, error) {
	if !p.sectionsLoaded {
		p.sections, p.sectionsErr = NewSectionMap(p.buf)
		p.sectionsLoaded = true
	}
	return p.sections, p.sectionsErr
}

// RVA converts a file offset into a relative virtual address.
func (p *Patcher) RVA(offset int) (uint64, error) {
	m, err := p.Sections()
	if err != nil {
		return 0, fmt.Errorf("RVA: %w", err)
	}
	rva, err := m.RVA(uint64(offset))
	if err != nil {
		return 0, fmt.Errorf("RVA: %w", err)
	}
	return rva, nil
}

// Flush writes the buffer to the save file. It does nothing for read-only
// patchers or in-memory patchers without a save file.
func (p *Patcher) Flush() error {
	if !p.writable || p.save == "" {
		return nil
	}
	if p.file == p.save && p.mapped {
		Log("flushing mapping of %s\n", p.save)
		if err := p.flush(); err != nil {
			return fmt.Errorf("Flush: %w", err)
		}
		return nil
	}
	if err := p.SaveTo(p.save); err != nil {
		return fmt.Errorf("Flush: %w", err)
	}
	return nil
}

// SaveTo writes the buffer to a new file and syncs it.
func (p *Patcher) SaveTo(name string) error {
	Log("saving %d bytes to %s\n", len(p.buf), name)
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(p.buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close releases the mapping, if any. The Patcher must not be used afterwards.
func (p *Patcher) Close() error {
	if p.unmap == nil {
		return nil
	}
	err := p.unmap()
	p.unmap, p.flush, p.buf, p.mapped = nil, nil, nil, false
	return err
}
