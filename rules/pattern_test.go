package rules

import (
	"bytes"
	"testing"

	"github.com/rulepatch/rulepatch/internal/petest"
	"github.com/rulepatch/rulepatch/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchVars(version string) Variables {
	return Variables{
		{Code: VarInstallVersion, Value: version},
		{Code: VarNum, Value: uint64(SearchInstance)},
		{Code: VarNumHex, Value: "??"},
	}
}

func instanceVars(version string, num int) Variables {
	return Variables{
		{Code: VarInstallVersion, Value: version},
		{Code: VarNum, Value: uint64(num)},
		{Code: VarNumHex, Value: patchlib.EncodeHex([]byte{byte('0' + num)})},
	}
}

func patternCode() []byte {
	code := bytes.Repeat([]byte{0xCC}, 0x40)
	copy(code[0x10:], []byte{0x55, 0x8B, 0xEC})
	copy(code[0x20:], []byte{0xE8, 0x00, 0x00, 0x00, 0x00})
	return petest.Code(code)
}

// searched returns a pattern found in buf.
func searched(t *testing.T, buf []byte, pat, replace string) Pattern {
	t.Helper()
	p := Pattern{Code: "x", Groups: Groups{
		{Version: ParseVersion("2.0"), Pattern: "FFFFFFFF", Count: 1},
		{Version: ParseVersion("1.0"), Pattern: pat, Replace: replace, Count: 1},
	}}
	vars := searchVars("1.5")
	require.NoError(t, p.Init(vars))
	require.NotNil(t, p.Group)
	assert.Equal(t, pat, p.Group.Pattern, "group for the installed version")
	require.NoError(t, p.Init(vars))
	require.NoError(t, p.Search(patchlib.NewPatcher(buf)))
	return p
}

func TestPatternApplyRoundTrip(t *testing.T) {
	buf := patternCode()
	orig := append([]byte(nil), buf...)

	p := searched(t, buf, "558BEC", "C3...")
	require.True(t, p.Supported)
	require.True(t, p.Searched)
	require.Len(t, p.Addresses, 1)
	assert.Equal(t, petest.TextOffset+0x10, p.Addresses[0].Offset)
	assert.Equal(t, uint64(petest.TextRVA+0x10), p.Addresses[0].RVA)

	inst := p.clone()
	require.NoError(t, inst.Init(instanceVars("1.5", 1)))
	assert.Equal(t, "C38BEC", inst.Addresses[0].Replace)

	b := patchlib.NewPatcher(buf)
	require.NoError(t, inst.Validate(b))
	require.NoError(t, inst.Apply(b, true))
	assert.Equal(t, []byte{0xC3, 0x8B, 0xEC}, buf[petest.TextOffset+0x10:petest.TextOffset+0x13])

	patched, err := inst.DetectPatched(b)
	require.NoError(t, err)
	assert.True(t, patched)

	require.NoError(t, inst.Apply(b, false))
	assert.Equal(t, orig, buf, "disabling restores the original bytes")

	patched, err = inst.DetectPatched(b)
	require.NoError(t, err)
	assert.False(t, patched)
}

func TestPatternSearchOnce(t *testing.T) {
	buf := patternCode()
	p := searched(t, buf, "558BEC", "C3...")
	addrs := append([]Address(nil), p.Addresses...)

	// the scan is not repeated, even if the bytes change
	buf[petest.TextOffset+0x10] = 0x90
	require.NoError(t, p.Search(patchlib.NewPatcher(buf)))
	assert.Equal(t, addrs, p.Addresses)
}

func TestPatternSearchAlreadyPatched(t *testing.T) {
	buf := patternCode()
	buf[petest.TextOffset+0x10] = 0xC3

	p := Pattern{Code: "x", Group: &Group{Pattern: "558BEC", Replace: "C3...", Count: 1}}
	require.NoError(t, p.Init(searchVars("1.0")))
	err := p.Search(patchlib.NewPatcher(buf))
	assert.ErrorIs(t, err, ErrBackupAlreadyPatched)
	assert.Equal(t, KindIntegrity, KindOf(err))
	require.Len(t, p.Addresses, 1)
	assert.True(t, p.Addresses[0].Patched)
}

func TestPatternSearchUnsupported(t *testing.T) {
	p := Pattern{Code: "x", Group: &Group{Pattern: "01020304", Replace: "...", Count: 1}}
	require.NoError(t, p.Init(searchVars("1.0")))
	require.NoError(t, p.Search(patchlib.NewPatcher(patternCode())))
	assert.True(t, p.Searched)
	assert.False(t, p.Supported)
	assert.Empty(t, p.Addresses)
	assert.Contains(t, p.Reason, "pattern not found")

	ps := Patterns{p, {Code: "y", Disabled: true}}
	assert.False(t, ps.Supported())
	assert.True(t, ps.Searched())
	assert.ErrorIs(t, ps[0].Apply(patchlib.NewPatcher(patternCode()), true), ErrDependPatchNotFound)
}

func TestPatternDisabled(t *testing.T) {
	p := Pattern{Code: "x", Groups: Groups{{Version: ParseVersion("1.0"), Disabled: true}}}
	require.NoError(t, p.Init(searchVars("1.0")))
	assert.True(t, p.Disabled)
	assert.Nil(t, p.Group)

	require.NoError(t, p.Search(patchlib.NewPatcher(nil)))
	assert.True(t, p.Supported)
	assert.NoError(t, p.Apply(patchlib.NewPatcher(nil), true))
}

func TestPatternUnsupportedVersion(t *testing.T) {
	p := Pattern{Code: "x", Groups: Groups{{Version: ParseVersion("2.0"), Pattern: "AA", Count: 1}}}
	err := p.Init(searchVars("1.0"))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Equal(t, KindConfig, KindOf(err))

	p = Pattern{Code: "x"}
	assert.ErrorIs(t, p.Init(searchVars("1.0")), ErrFieldMissing)
}

func TestPatternJump(t *testing.T) {
	buf := patternCode()
	p := searched(t, buf, "E800000000", "E8[target|?|4]")

	vars := instanceVars("1.0", 1)
	vars.Set("target", uint64(petest.TextRVA+0x10))
	require.NoError(t, p.Init(vars))
	// from the end of the 5 byte call at 0x1020 to 0x1010
	assert.Equal(t, "E8EB909090", p.Addresses[0].Replace)

	vars.Set("target", uint64(petest.TextRVA+0x1000))
	p = searched(t, buf, "E800000000", "E8[target|?|1]...")
	require.NoError(t, p.Init(vars))
	assert.False(t, p.Supported, "displacement does not fit")
	assert.Empty(t, p.Addresses)
	assert.Contains(t, p.Reason, patchlib.ErrDisplacementTooLarge.Error())
}

func TestPatternReadOriginalApplyExplicit(t *testing.T) {
	buf := patternCode()
	p := searched(t, buf, "558BEC", "C3...")
	require.NoError(t, p.Init(instanceVars("1.0", 1)))

	b := patchlib.NewPatcher(buf)
	v, err := p.ReadOriginal(b)
	require.NoError(t, err)
	assert.Equal(t, OriginalView{PatternCode: "x", PatternName: "x", Original: "558BEC", Offset: petest.TextOffset + 0x10, Len: 3}, v)

	require.NoError(t, p.ApplyExplicit(b, "9090"))
	assert.Equal(t, []byte{0x90, 0x90, 0xEC}, buf[petest.TextOffset+0x10:petest.TextOffset+0x13])
	assert.ErrorIs(t, p.ApplyExplicit(b, "90909090"), ErrReplaceData)
	assert.ErrorIs(t, p.ApplyExplicit(b, "9"), ErrReplaceData)
}

func TestAddressInit(t *testing.T) {
	vars := instanceVars("1.0", 3)
	vars.Set("b", "BB")

	for _, tc := range []struct {
		replace string
		want    string
		err     bool
	}{
		{"", "AABBCCDD", false},
		{"...", "AABBCCDD", false},
		{"11...", "11BBCCDD", false},
		{"...${b}", "AABBCCBB", false},
		{"??22??44", "AA22CC44", false},
		{"${num_hex}?B...", "33BBCCDD", false},
		{"112233", "", true},
		{"1122334455", "", true},
		{"${missing}...", "", true},
		{"ZZ...", "", true},
	} {
		a := Address{Original: "AABBCCDD", Replace: tc.replace, Len: 4}
		err := a.Init(vars)
		if tc.err {
			assert.ErrorIs(t, err, ErrReplaceData, tc.replace)
			continue
		}
		require.NoError(t, err, tc.replace)
		assert.Equal(t, tc.want, a.Replace, tc.replace)
		assert.Equal(t, unchanged(tc.replace), a.Unchanged, tc.replace)
	}
}

func TestAddressValidate(t *testing.T) {
	a := Address{Original: "AABB", Replace: "CCDD", Offset: 2, Len: 2}
	assert.NoError(t, a.Validate(patchlib.NewPatcher(make([]byte, 4))))
	assert.ErrorIs(t, a.Validate(patchlib.NewPatcher(make([]byte, 3))), patchlib.ErrOutOfRange)

	a.Replace = "CC"
	assert.ErrorIs(t, a.Validate(patchlib.NewPatcher(make([]byte, 4))), ErrReplaceData)

	a = Address{Original: "AABB", Replace: "AABB", Unchanged: true, Len: 2}
	b := patchlib.NewPatcher([]byte{1, 2})
	require.NoError(t, a.Apply(b, true))
	assert.Equal(t, []byte{1, 2}, b.GetBytes(), "unchanged replacements are not written")
	assert.True(t, a.Patched)
}
