package patchlib

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPatternInvalid = errors.New("invalid pattern")
	ErrNoMatch        = errors.New("pattern not found")
	ErrTooManyMatches = errors.New("too many matches")
)

// MaxMatches is the most occurrences a pattern may have before it is considered
// ambiguous.
const MaxMatches = 5

// Pattern is a compiled byte pattern. Each byte has a mask: 0xFF must match
// exactly, 0x00 matches anything, and 0xF0/0x0F match a single nibble.
type Pattern struct {
	Bytes []byte
	Mask  []byte
	shift [256]int
}

// CompilePattern compiles a hex pattern like "48 8B 05 ?? ?? ?? ?? C3". Spaces
// are ignored, "??" is a byte wildcard and a single "?" is a nibble wildcard.
func CompilePattern(hex string) (*Pattern, error) {
	hex = StripSpaces(hex)
	if len(hex) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrPatternInvalid)
	}
	if len(hex)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d (%s)", ErrPatternInvalid, len(hex), hex)
	}

	p := &Pattern{
		Bytes: make([]byte, len(hex)/2),
		Mask:  make([]byte, len(hex)/2),
	}
	for i := 0; i < len(hex); i += 2 {
		hi, hm, ok1 := nibble(hex[i])
		lo, lm, ok2 := nibble(hex[i+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: bad byte %q at %d", ErrPatternInvalid, hex[i:i+2], i/2)
		}
		p.Bytes[i/2] = hi<<4 | lo
		p.Mask[i/2] = hm<<4 | lm
	}
	p.buildShift()
	return p, nil
}

func nibble(c byte) (v, mask byte, ok bool) {
	switch {
	case c == '?':
		return 0, 0, true
	case c >= '0' && c <= '9':
		return c - '0', 0xF, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, 0xF, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, 0xF, true
	}
	return 0, 0, false
}

// buildShift builds a Horspool bad-character table keyed on the byte under the
// last position of the window. Any non-exact position can match every byte, so
// no shift may jump past the last of them.
func (p *Pattern) buildShift() {
	m := len(p.Bytes)
	def := m
	for i := 0; i < m-1; i++ {
		if p.Mask[i] != 0xFF {
			def = m - 1 - i
		}
	}
	if def < 1 {
		def = 1
	}
	for i := range p.shift {
		p.shift[i] = def
	}
	for i := 0; i < m-1; i++ {
		if p.Mask[i] == 0xFF {
			if s := m - 1 - i; s < p.shift[p.Bytes[i]] {
				p.shift[p.Bytes[i]] = s
			}
		}
	}
}

// Len returns the pattern length in bytes.
func (p *Pattern) Len() int {
	return len(p.Bytes)
}

// String returns the pattern as uppercase hex with "?" wildcards.
func (p *Pattern) String() string {
	var sb strings.Builder
	const digits = "0123456789ABCDEF"
	for i, b := range p.Bytes {
		for _, n := range [2]uint{4, 0} {
			if (p.Mask[i]>>n)&0xF == 0 {
				sb.WriteByte('?')
			} else {
				sb.WriteByte(digits[(b>>n)&0xF])
			}
		}
	}
	return sb.String()
}

// MatchAt reports whether the pattern matches buf at offset.
func (p *Pattern) MatchAt(buf []byte, offset int) bool {
	if offset < 0 || offset+len(p.Bytes) > len(buf) {
		return false
	}
	for i, b := range p.Bytes {
		if buf[offset+i]&p.Mask[i] != b&p.Mask[i] {
			return false
		}
	}
	return true
}

func (p *Pattern) scan(buf []byte, fn func(offset int) bool) {
	m := len(p.Bytes)
	for i := 0; i+m <= len(buf); i += p.shift[buf[i+m-1]] {
		if p.MatchAt(buf, i) && !fn(i) {
			return
		}
	}
}

// Find returns the offset of the first occurrence.
func (p *Pattern) Find(buf []byte) (int, error) {
	found := -1
	p.scan(buf, func(offset int) bool {
		found = offset
		return false
	})
	if found < 0 {
		return -1, fmt.Errorf("%w: %s", ErrNoMatch, p)
	}
	return found, nil
}

// FindAll returns the offsets of every occurrence in ascending order. If limit
// is positive and more than limit occurrences exist, scanning stops and
// ErrTooManyMatches is returned with the first limit+1 offsets.
func (p *Pattern) FindAll(buf []byte, limit int) ([]int, error) {
	var offs []int
	p.scan(buf, func(offset int) bool {
		offs = append(offs, offset)
		return limit <= 0 || len(offs) <= limit
	})
	if len(offs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, p)
	}
	if limit > 0 && len(offs) > limit {
		return offs, fmt.Errorf("%w: more than %d occurrences of %s", ErrTooManyMatches, limit, p)
	}
	return offs, nil
}
