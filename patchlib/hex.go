package patchlib

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Ellipsis stands for the untouched middle of an original byte sequence in a
// replacement template.
const Ellipsis = "..."

var ErrTemplate = errors.New("invalid template")

// EncodeHex encodes bytes as uppercase hex.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// DecodeHex decodes a hex string, ignoring whitespace.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(StripSpaces(s))
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}

// StripSpaces removes all whitespace from a hex string.
func StripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// NormalizeHex strips whitespace and uppercases a hex template.
func NormalizeHex(s string) string {
	return strings.ToUpper(StripSpaces(s))
}

// BackfillWildcards copies the characters of original into every "?" of tmpl.
// Both must have the same length.
func BackfillWildcards(tmpl, original string) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	if len(tmpl) != len(original) {
		return "", fmt.Errorf("%w: wildcard template %s and original %s differ in length", ErrTemplate, tmpl, original)
	}
	if !strings.Contains(tmpl, "?") {
		return tmpl, nil
	}
	b := []byte(tmpl)
	for i := range b {
		if b[i] == '?' {
			b[i] = original[i]
		}
	}
	return string(b), nil
}

// ExpandEllipsis replaces the first "..." in tmpl with the part of original
// not covered by the text around it. Without an ellipsis, tmpl must have the
// same length as original.
func ExpandEllipsis(tmpl, original string) (string, error) {
	if original == "" {
		return "", fmt.Errorf("%w: empty original", ErrTemplate)
	}
	i := strings.Index(tmpl, Ellipsis)
	if i < 0 {
		if len(tmpl) != len(original) {
			return "", fmt.Errorf("%w: template %s and original %s differ in length", ErrTemplate, tmpl, original)
		}
		return tmpl, nil
	}
	left, right := tmpl[:i], tmpl[i+len(Ellipsis):]
	if len(left)+len(right) > len(original) {
		return "", fmt.Errorf("%w: template %s longer than original %s", ErrTemplate, tmpl, original)
	}
	return left + original[len(left):len(original)-len(right)] + right, nil
}

// ResolveTemplate back-fills wildcards from original and then expands the
// ellipsis, returning a template with the same length as original. The text
// before the ellipsis aligns with the start of original and the text after it
// with the end.
func ResolveTemplate(tmpl, original string) (string, error) {
	if original == "" {
		return "", fmt.Errorf("%w: empty original", ErrTemplate)
	}
	i := strings.Index(tmpl, Ellipsis)
	if i < 0 {
		return BackfillWildcards(tmpl, original)
	}
	left, right := tmpl[:i], tmpl[i+len(Ellipsis):]
	if len(left)+len(right) > len(original) {
		return "", fmt.Errorf("%w: template %s longer than original %s", ErrTemplate, tmpl, original)
	}
	left, err := BackfillWildcards(left, original[:len(left)])
	if err != nil {
		return "", err
	}
	right, err = BackfillWildcards(right, original[len(original)-len(right):])
	if err != nil {
		return "", err
	}
	return ExpandEllipsis(left+Ellipsis+right, original)
}
