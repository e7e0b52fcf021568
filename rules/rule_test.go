package rules

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/rulepatch/rulepatch/internal/petest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	offNop   = 0x10
	offCall  = 0x40
	offMutex = 0x80
)

// testCode returns the .text section of the test program.
func testCode() []byte {
	code := bytes.Repeat([]byte{0xCC}, 0x100)
	copy(code[offNop:], []byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10})
	copy(code[offCall:], []byte{0xE8, 0x00, 0x00, 0x00, 0x00})
	copy(code[offMutex:], "MUTEX0")
	return code
}

const testConfig = `
version: 1.0.0
name: Test
rules:
- code: app
  index: 1
  version: 1.0.0
  name: App
  news: something new
  paths:
  - code: install_location
    index: 0
    methods:
    - method: calculate
      index: 0
      args:
        value: 'DIR'
  - code: install_version
    index: 1
    methods:
    - method: fileinfo
      index: 0
      args:
        path: '${install_location}/app.exe'
  variables:
    exe_base: '${install_location}/app.exe'
    exe_back: '${install_location}/app.exe.bak'
    exe_save: '${install_location}/app${num}.exe'
    exe_path: '${install_location}'
    exe_name_base: app.exe
    exe_name_save: 'app${num}.exe'
  patches:
  - code: exe
    name: App
    basefile: '${exe_base}'
    backfile: '${exe_back}'
    savefile: '${exe_save}'
    patterns:
    - code: nop
      groups:
      - version: 1.0.0
        pattern: 55 8B EC 83 EC 10
        replace: C3...
      - version: 9.0.0
        pattern: FFFF
        replace: EEEE
    - code: call
      groups:
      - version: 1.0.0
        pattern: E8 00000000
        replace: E8 [nop|?|4]
    - code: mutex
      groups:
      - version: 1.0.0
        pattern: 4D 55 54 45 58 30
        replace: 4D 55 54 45 58 ${num_hex}
  features:
  - code: coexist
    index: 1
    incoexist: true
    dependpatches: [mutex]
  - code: nop
    index: 10
    method: patch
    inmain: true
    incoexist: true
    dependpatches: [nop]
    mutexfeatures: [call]
  - code: call
    index: 11
    method: patch
    inmain: true
    incoexist: true
    dependpatches: [call]
    mutexfeatures: [nop]
  dfeatures: [lnk_all]
`

type fixture struct {
	dir  string
	base []byte
	cfg  *Config
	rule *Rule
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) read(t *testing.T, name string) []byte {
	t.Helper()
	buf, err := os.ReadFile(f.path(name))
	require.NoError(t, err)
	return buf
}

func newFixture(t *testing.T, code []byte) *fixture {
	t.Helper()
	f := &fixture{dir: filepath.ToSlash(t.TempDir())}
	f.base = petest.CodeVersion(code, "1.2.3.4")
	require.NoError(t, os.WriteFile(f.path("app.exe"), f.base, 0644))

	cfg, err := ParseConfig([]byte(strings.Replace(testConfig, "DIR", f.dir, 1)))
	require.NoError(t, err)
	f.cfg = cfg
	f.rule, err = cfg.Rules.Get("app")
	require.NoError(t, err)
	return f
}

func (f *fixture) search(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rule.ResolvePath())
	require.NoError(t, f.rule.SearchAddresses())
}

func (f *fixture) instance(t *testing.T, num int) *Rule {
	t.Helper()
	insts, err := f.rule.WalkInstances(context.Background())
	require.NoError(t, err)
	for _, inst := range insts {
		if inst.Index == num {
			return inst
		}
	}
	t.Fatalf("instance %d not found", num)
	return nil
}

func featureCodes(fs Features) []string {
	var codes []string
	for _, f := range fs {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestResolvePath(t *testing.T) {
	f := newFixture(t, testCode())
	r := f.rule
	require.NoError(t, r.ResolvePath())

	assert.Equal(t, StatePathed, r.State)
	assert.True(t, r.Installed)
	assert.Nil(t, r.Paths)

	loc, err := r.Variables.InstallLocation()
	require.NoError(t, err)
	assert.Equal(t, f.dir, loc)
	ver, err := r.Variables.InstallVersion()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ver)

	v, _ := r.Variables.Find("exe_save")
	assert.Equal(t, f.dir+"/app${num}.exe", v.String(), "num is only known per instance")

	nop := r.Patches[0].Patterns.Find("nop")
	require.NotNil(t, nop)
	assert.Empty(t, nop.Groups)
	require.NotNil(t, nop.Group)
	assert.Equal(t, "1.0.0", nop.Group.Version.String())

	assert.Equal(t, []string{"select_all", "close_all", "folder"}, featureCodes(r.HFeatures), "lnk_all is excluded")
	assert.Equal(t, []string{"coexist", "nop", "call", "select", "lnk", "open", "close", "del"}, featureCodes(r.Features))

	folder, err := r.HFeatures.Get("folder")
	require.NoError(t, err)
	assert.Equal(t, f.dir, folder.Target)
	lnk, err := r.Features.Get("lnk")
	require.NoError(t, err)
	assert.Equal(t, "${exe_save}", lnk.Target, "file targets are substituted per instance")

	assert.ErrorIs(t, r.ResolvePath(), ErrWrongRuleState)
}

func TestResolvePathNotInstalled(t *testing.T) {
	f := newFixture(t, testCode())
	require.NoError(t, os.Remove(f.path("app.exe")))

	err := f.rule.ResolvePath()
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.ErrorIs(t, err, ErrGetPath)
	assert.Equal(t, StateConfig, f.rule.State)
}

func TestSearchAddresses(t *testing.T) {
	f := newFixture(t, testCode())
	r := f.rule
	require.NoError(t, r.ResolvePath())
	require.NoError(t, r.SearchAddresses())

	assert.Equal(t, StateSearch, r.State)
	assert.True(t, r.Supported)
	assert.False(t, r.Patched)
	assert.Empty(t, r.Name)
	assert.Empty(t, r.News)
	assert.Nil(t, r.HFeatures)
	assert.Equal(t, f.base, f.read(t, "app.exe.bak"))

	for _, tc := range []struct {
		code string
		off  int
		orig string
		repl string
	}{
		{"nop", offNop, "558BEC83EC10", "C3..."},
		{"call", offCall, "E800000000", "E8[nop|?|4]"},
		{"mutex", offMutex, "4D5554455830", "4D55544558${num_hex}"},
	} {
		pat := r.Patches[0].Patterns.Find(tc.code)
		require.NotNil(t, pat, tc.code)
		assert.True(t, pat.Searched, tc.code)
		assert.True(t, pat.Supported, tc.code)
		assert.Nil(t, pat.Group, tc.code)
		require.Len(t, pat.Addresses, 1, tc.code)
		a := pat.Addresses[0]
		assert.Equal(t, petest.TextOffset+tc.off, a.Offset, tc.code)
		assert.Equal(t, uint64(petest.TextRVA+tc.off), a.RVA, tc.code)
		assert.Equal(t, tc.orig, a.Original, tc.code)
		assert.Equal(t, len(tc.orig)/2, a.Len, tc.code)
		assert.Equal(t, tc.repl, a.Replace, tc.code)
	}

	assert.ErrorIs(t, r.SearchAddresses(), ErrWrongRuleState)
}

func TestSearchAddressesAlreadyPatched(t *testing.T) {
	code := testCode()
	code[offNop] = 0xC3
	f := newFixture(t, code)
	require.NoError(t, f.rule.ResolvePath())

	err := f.rule.SearchAddresses()
	assert.ErrorIs(t, err, ErrBackupInvalid)
	assert.ErrorIs(t, err, ErrBackupAlreadyPatched)
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.NoFileExists(t, f.path("app.exe.bak"))
	assert.FileExists(t, f.path("app.exe"))
	assert.Equal(t, StatePathed, f.rule.State)
}

func TestSearchAddressesUnsupportedPattern(t *testing.T) {
	code := testCode()
	code[offCall] = 0xE9
	f := newFixture(t, code)
	f.search(t)

	assert.False(t, f.rule.Supported)
	call := f.rule.Patches[0].Patterns.Find("call")
	assert.False(t, call.Supported)
	assert.NotEmpty(t, call.Reason)
	assert.True(t, f.rule.Patches[0].Patterns.Find("nop").Supported, "siblings continue")

	feat, err := f.rule.Features.Get("call")
	require.NoError(t, err)
	assert.False(t, feat.Supported)
	feat, err = f.rule.Features.Get("nop")
	require.NoError(t, err)
	assert.True(t, feat.Supported)
}

func TestBuildInstance(t *testing.T) {
	f := newFixture(t, testCode())
	r := f.rule

	_, err := r.BuildInstance(1)
	assert.ErrorIs(t, err, ErrWrongRuleState)
	_, err = r.BuildInstance(SearchInstance + 1)
	assert.ErrorIs(t, err, ErrInvalidInstance)
	_, err = r.BuildInstance(-1)
	assert.ErrorIs(t, err, ErrInvalidInstance)

	f.search(t)
	_, err = r.BuildInstance(SearchInstance)
	assert.ErrorIs(t, err, ErrWrongRuleState)

	main, err := r.BuildInstance(0)
	require.NoError(t, err)
	assert.Equal(t, StateFileed, main.State)
	assert.Equal(t, "0", main.Code)
	assert.Equal(t, "main", main.Name)
	assert.True(t, main.IsMain)
	assert.False(t, main.Installed)
	assert.Nil(t, main.Variables)
	assert.Equal(t, f.path("app.exe"), main.Patches[0].SaveFile, "the main instance patches the base file")
	assert.Equal(t, f.path("app.exe.bak"), main.Patches[0].BackupFile)

	inst, err := r.BuildInstance(3)
	require.NoError(t, err)
	assert.Equal(t, "coexist-3", inst.Name)
	assert.Equal(t, 3, inst.Index)
	assert.False(t, inst.IsMain)
	assert.Equal(t, f.path("app3.exe"), inst.Patches[0].SaveFile)

	pats := inst.Patches[0].Patterns
	assert.Equal(t, "C38BEC83EC10", pats.Find("nop").Addresses[0].Replace)
	// 0x1010 - (0x1040 + 1 + 4) = -0x35
	assert.Equal(t, "E8CB909090", pats.Find("call").Addresses[0].Replace)
	assert.Equal(t, "4D5554455833", pats.Find("mutex").Addresses[0].Replace)
	assert.Equal(t, "4D5554455830", main.Patches[0].Patterns.Find("mutex").Addresses[0].Replace)

	sel, err := inst.Features.Get("select")
	require.NoError(t, err)
	assert.Equal(t, "app3.exe", sel.Target)
	sel, err = main.Features.Get("select")
	require.NoError(t, err)
	assert.Equal(t, "app.exe", sel.Target)

	// the searched rule is untouched
	assert.Equal(t, "C3...", r.Patches[0].Patterns.Find("nop").Addresses[0].Replace)
	assert.Equal(t, StateSearch, r.State)
}

func TestCloneIsolation(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	r := f.rule

	c := r.Clone()
	assert.Nil(t, deep.Equal(r, c))

	c.Patches[0].Patterns[0].Addresses[0].Replace = "00"
	c.Patches[0].SaveFile = "x"
	c.Variables.Set(VarInstallLocation, "y")
	c.Features[0].DependPatches[0] = "z"
	c.Features = append(c.Features, Feature{Code: "extra"})

	assert.NotNil(t, deep.Equal(r, c))
	assert.Equal(t, "C3...", r.Patches[0].Patterns[0].Addresses[0].Replace)
	assert.Equal(t, "${exe_save}", r.Patches[0].SaveFile)
	loc, _ := r.Variables.InstallLocation()
	assert.Equal(t, f.dir, loc)
	assert.Equal(t, "mutex", r.Features[0].DependPatches[0])
	_, err := r.Features.Get("extra")
	assert.ErrorIs(t, err, ErrFeatureNotFound)
}

func TestWalkInstances(t *testing.T) {
	f := newFixture(t, testCode())

	_, err := f.rule.WalkInstances(context.Background())
	assert.ErrorIs(t, err, ErrWrongRuleState)

	f.search(t)
	insts, err := f.rule.WalkInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, insts, 1)

	main := insts[0]
	assert.Equal(t, 0, main.Index)
	assert.Equal(t, []string{"nop", "call", "select", "lnk", "open", "close"}, featureCodes(main.Features))
	for _, feat := range main.Features {
		if feat.Method == "patch" {
			assert.False(t, feat.Status, feat.Code)
		}
	}

	// a copy which does not match the base file is removed
	require.NoError(t, os.WriteFile(f.path("app5.exe"), []byte("junk"), 0644))
	insts, err = f.rule.WalkInstances(context.Background())
	require.NoError(t, err)
	assert.Len(t, insts, 1)
	assert.NoFileExists(t, f.path("app5.exe"))
}

func TestWalkInstancesCanceled(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	insts, err := f.rule.WalkInstances(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, insts)
}

func TestPatchRoundTrip(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	main := f.instance(t, 0)

	require.NoError(t, main.Patch("nop", true, nil))
	buf := f.read(t, "app.exe")
	assert.Equal(t, byte(0xC3), buf[petest.TextOffset+offNop])
	assert.Equal(t, f.base[petest.TextOffset+offNop+1:], buf[petest.TextOffset+offNop+1:])
	assert.True(t, main.Patched)
	assert.Equal(t, FeaturesView{"nop"}, NewFeaturesView(main.Features))

	require.NoError(t, main.Patch("nop", false, nil))
	assert.Equal(t, f.base, f.read(t, "app.exe"))
	assert.False(t, main.Patched)
	assert.Equal(t, FeaturesView{}, NewFeaturesView(main.Features))
}

func TestPatchMutex(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	main := f.instance(t, 0)

	require.NoError(t, main.Patch("nop", true, nil))
	require.NoError(t, main.Patch("call", true, nil))

	buf := f.read(t, "app.exe")
	assert.Equal(t, f.base[petest.TextOffset+offNop:][:6], buf[petest.TextOffset+offNop:][:6], "nop was disabled")
	assert.Equal(t, []byte{0xE8, 0xCB, 0x90, 0x90, 0x90}, buf[petest.TextOffset+offCall:][:5])
	assert.Equal(t, FeaturesView{"call"}, NewFeaturesView(main.Features))

	require.NoError(t, main.Patch("call", false, nil))
	assert.Equal(t, f.base, f.read(t, "app.exe"))
}

func TestPatchErrors(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)

	assert.ErrorIs(t, f.rule.Patch("nop", true, nil), ErrWrongRuleState)

	main := f.instance(t, 0)
	assert.ErrorIs(t, main.Patch("missing", true, nil), ErrFeatureNotFound)

	feat, err := main.Features.Get("call")
	require.NoError(t, err)
	feat.DependFeatures = []string{"nop"}
	assert.ErrorIs(t, main.Patch("call", true, nil), ErrDependFeatureDisabled)
	assert.Equal(t, f.base, f.read(t, "app.exe"))
}

func TestPatchModifiedCopy(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)

	inst, err := f.rule.BuildInstance(4)
	require.NoError(t, err)
	require.NoError(t, inst.Patch(CoexistFeature, true, nil))
	inst = f.instance(t, 4)

	buf := f.read(t, "app4.exe")
	require.NoError(t, os.WriteFile(f.path("app4.exe"), append(buf, 0), 0644))

	err = inst.Patch("nop", true, nil)
	assert.ErrorIs(t, err, ErrSaveFileInvalid)
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.NoFileExists(t, f.path("app4.exe"))
	assert.Equal(t, f.base, f.read(t, "app.exe"))
}

func TestPatchValidatesBeforeWriting(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	main := f.instance(t, 0)

	require.NoError(t, main.Patch("nop", true, nil))

	// enabling call disables nop first, which must not happen if call cannot
	// be written
	main.Patches[0].Patterns.Find("call").Addresses[0].Replace = "E8"
	err := main.Patch("call", true, nil)
	assert.ErrorIs(t, err, ErrReplaceData)
	assert.Equal(t, byte(0xC3), f.read(t, "app.exe")[petest.TextOffset+offNop])
}

func TestCoexist(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)

	inst, err := f.rule.BuildInstance(2)
	require.NoError(t, err)
	require.NoError(t, inst.Patch(CoexistFeature, true, nil))

	buf := f.read(t, "app2.exe")
	assert.Equal(t, "MUTEX2", string(buf[petest.TextOffset+offMutex:][:6]))
	assert.Equal(t, f.base, f.read(t, "app.exe"))
	assert.Equal(t, f.base, f.read(t, "app.exe.bak"))

	insts, err := f.rule.WalkInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, 0, insts[0].Index)
	assert.Equal(t, 2, insts[1].Index)

	c := insts[1]
	assert.Equal(t, []string{"coexist", "nop", "call", "select", "lnk", "open", "close", "del"}, featureCodes(c.Features))
	feat, err := c.Features.Get(CoexistFeature)
	require.NoError(t, err)
	assert.True(t, feat.Status)

	require.NoError(t, c.Patch("nop", true, nil))
	assert.Equal(t, byte(0xC3), f.read(t, "app2.exe")[petest.TextOffset+offNop])
	assert.Equal(t, f.base, f.read(t, "app.exe"))

	assert.ErrorIs(t, insts[0].DeleteInstance(), ErrInvalidInstance)
	require.NoError(t, c.DeleteInstance())
	assert.NoFileExists(t, f.path("app2.exe"))
	assert.FileExists(t, f.path("app.exe"))
}

func TestCreateInstance(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)

	main, err := f.rule.BuildInstance(0)
	require.NoError(t, err)
	assert.ErrorIs(t, main.CreateInstance(), ErrInvalidInstance)

	inst, err := f.rule.BuildInstance(7)
	require.NoError(t, err)
	require.NoError(t, inst.CreateInstance())

	buf := f.read(t, "app7.exe")
	assert.Equal(t, "MUTEX7", string(buf[petest.TextOffset+offMutex:][:6]))
	assert.Len(t, buf, len(f.base))
	assert.True(t, inst.Patched)
	assert.Equal(t, []string{"coexist", "nop", "call", "select", "lnk", "open", "close", "del"}, featureCodes(inst.Features))
	feat, err := inst.Features.Get(CoexistFeature)
	require.NoError(t, err)
	assert.True(t, feat.Status)

	lnk, err := inst.Features.Get("lnk")
	require.NoError(t, err)
	assert.Equal(t, f.path("app7.exe"), lnk.Target)

	// without a backup nothing is created
	require.NoError(t, os.Remove(f.path("app.exe.bak")))
	inst, err = f.rule.BuildInstance(8)
	require.NoError(t, err)
	assert.Error(t, inst.CreateInstance())
	assert.NoFileExists(t, f.path("app8.exe"))
}

func TestReadOriginalApplyExplicit(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	main := f.instance(t, 0)

	views, err := main.ReadOriginal("call")
	require.NoError(t, err)
	assert.Equal(t, OriginalViews{{
		PatternCode: "call",
		PatternName: "call",
		Original:    "E800000000",
		Offset:      petest.TextOffset + offCall,
		Len:         5,
	}}, views)

	views[0].Original = "E9"
	require.NoError(t, main.ApplyExplicit("call", views))
	buf := f.read(t, "app.exe")
	assert.Equal(t, []byte{0xE9, 0x00, 0x00, 0x00, 0x00}, buf[petest.TextOffset+offCall:][:5])
	assert.True(t, main.Patched)

	views[0].Original = "E9000000000000"
	assert.ErrorIs(t, main.ApplyExplicit("call", views), ErrReplaceData)
	_, err = f.rule.ReadOriginal("call")
	assert.ErrorIs(t, err, ErrWrongRuleState)
}

func TestApplyExplicitValidatesBeforeWriting(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	main := f.instance(t, 0)

	fe, err := main.Features.Get("nop")
	require.NoError(t, err)
	fe.DependPatches = []string{"nop", "call"}

	err = main.ApplyExplicit("nop", OriginalViews{
		{PatternCode: "nop", Original: "C3"},
		{PatternCode: "call", Original: "E9000000000000"},
	})
	assert.ErrorIs(t, err, ErrReplaceData)
	buf := f.read(t, "app.exe")
	assert.Equal(t, []byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10}, buf[petest.TextOffset+offNop:][:6])
	assert.Equal(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00}, buf[petest.TextOffset+offCall:][:5])
	assert.False(t, main.Patched)
}

func TestApplyExplicitOtherFeature(t *testing.T) {
	f := newFixture(t, testCode())
	f.search(t)
	main := f.instance(t, 0)

	err := main.ApplyExplicit("call", OriginalViews{{PatternCode: "nop", Original: "C3"}})
	assert.ErrorIs(t, err, ErrDependPatchNotFound)
	assert.Equal(t, byte(0x55), f.read(t, "app.exe")[petest.TextOffset+offNop])
}
