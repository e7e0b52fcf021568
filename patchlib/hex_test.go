package patchlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHex(t *testing.T) {
	assert.Equal(t, "00ABFF", EncodeHex([]byte{0x00, 0xAB, 0xFF}))
	assert.Equal(t, "ABCD12", NormalizeHex(" ab cd\n12 "))

	b, err := DecodeHex("ab CD")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, b)

	_, err = DecodeHex("ABC")
	assert.Error(t, err)
}

func TestResolveTemplate(t *testing.T) {
	const original = "0011223344556677"
	for _, tc := range []struct {
		name string
		tmpl string
		out  string
		err  bool
	}{
		{"Exact", "8899AABBCCDDEEFF", "8899AABBCCDDEEFF", false},
		{"Wildcards", "??99??BB????EEFF", "009922BB4455EEFF", false},
		{"Nibbles", "?9?9AABBCCDDEEFF", "0919AABBCCDDEEFF", false},
		{"LeftEllipsis", "EB...", "EB11223344556677", false},
		{"RightEllipsis", "...9090", "0011223344559090", false},
		{"BothSides", "EB??...??90", "EB11223344556690", false},
		{"EmptyEllipsis", "0011...4455??77", "0011223344556677", false},
		{"OnlyEllipsis", "...", original, false},
		{"TooShort", "8899", "", true},
		{"TooLong", "8899AABBCCDDEEFF00", "", true},
		{"EllipsisTooLong", "8899AABBCC...DDEEFF00", "", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ResolveTemplate(tc.tmpl, original)
			if tc.err {
				assert.True(t, errors.Is(err, ErrTemplate), "expected ErrTemplate, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.out, out)
			assert.Len(t, out, len(original))
		})
	}
}

func TestResolveTemplateEmptyOriginal(t *testing.T) {
	_, err := ResolveTemplate("AB", "")
	assert.True(t, errors.Is(err, ErrTemplate))
}

func TestBackfillWildcards(t *testing.T) {
	out, err := BackfillWildcards("", "AB")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	out, err = BackfillWildcards("?F", "AB")
	require.NoError(t, err)
	assert.Equal(t, "AF", out)

	_, err = BackfillWildcards("?", "AB")
	assert.True(t, errors.Is(err, ErrTemplate))
}

func TestExpandEllipsis(t *testing.T) {
	out, err := ExpandEllipsis("AA...BB", "00112233")
	require.NoError(t, err)
	assert.Equal(t, "AA1122BB", out)

	_, err = ExpandEllipsis("AA", "0011")
	assert.True(t, errors.Is(err, ErrTemplate))
}
