package rules

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rulepatch/rulepatch/internal/petest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPathFix(t *testing.T) {
	for _, tc := range []struct {
		fix  PathFix
		in   string
		want string
	}{
		{PathFix{}, "abc", "abc"},
		{PathFix{Unprefix: "\""}, "\"C:\\app\\app.exe\" -x", "C:\\app\\app.exe\" -x"},
		{PathFix{Unprefix: "\"", Unsuffix: "\""}, "\"C:\\app\\app.exe\" -x", "C:\\app\\app.exe"},
		{PathFix{Unsuffix: "\\app.exe"}, "C:\\app\\app.exe", "C:\\app"},
		{PathFix{Unprefix: "x"}, "abc", "abc"},
		{PathFix{Pattern: `v(\d+)`, Replace: "${1}.0"}, "v4 v5", "4.0 v5"},
		{PathFix{Pattern: `\d`, Replace: "N"}, "abc", "abc"},
		{PathFix{Prefix: "<", Suffix: ">"}, "abc", "<abc>"},
	} {
		got, err := tc.fix.Apply(tc.in)
		require.NoError(t, err, "%+v", tc.fix)
		assert.Equal(t, tc.want, got, "%+v", tc.fix)
	}

	_, err := PathFix{Pattern: "("}.Apply("abc")
	assert.ErrorIs(t, err, ErrGetPath)
}

func TestMethodCalculate(t *testing.T) {
	m := Method{Method: MethodCalculate, Args: Variables{{Code: "value", Value: "${dir}/x"}}, Fix: PathFix{Suffix: "/"}}
	v, err := m.Run(Variables{{Code: "dir", Value: "/opt"}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/x/", v)
	assert.Equal(t, "${dir}/x", m.Args[0].Value, "args are not modified")

	_, err = (&Method{Method: MethodCalculate}).Run(nil)
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = (&Method{Method: "bogus"}).Run(nil)
	assert.Error(t, err)
}

func TestMethodRuntime(t *testing.T) {
	defer func(fn func() (string, error)) { executable = fn }(executable)

	executable = func() (string, error) {
		return filepath.Join("opt", "app", "rulepatch"), nil
	}
	v, err := (&Method{Method: MethodRuntime}).Run(nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("opt", "app"), v)

	calls := 0
	executable = func() (string, error) {
		calls++
		return "", errors.New("no executable")
	}
	_, err = (&Method{Method: MethodRuntime, Retry: 3}).Run(nil)
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestMethodFileInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v.exe"), petest.CodeVersion([]byte{0xC3}, "4.0.1.12"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "n.exe"), petest.Code([]byte{0xC3}), 0644))

	m := Method{Method: MethodFileInfo, Args: Variables{{Code: "path", Value: "${d}/v.exe"}}}
	v, err := m.Run(Variables{{Code: "d", Value: dir}})
	require.NoError(t, err)
	assert.Equal(t, "4.0.1.12", v)

	m.Args = Variables{{Code: "path", Value: filepath.Join(dir, "n.exe")}}
	_, err = m.Run(nil)
	assert.Error(t, err)

	m.Args = Variables{{Code: "path", Value: filepath.Join(dir, "missing.exe")}}
	_, err = m.Run(nil)
	assert.Error(t, err)
}

func TestMethodReadFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "install.ini")
	require.NoError(t, os.WriteFile(fn, []byte("[app]\nversion=4.0.1\npath=C:\\app\n"), 0644))

	m := Method{Method: MethodReadFile, Args: Variables{
		{Code: "path", Value: fn},
		{Code: "value", Value: `path=(.+)`},
	}}
	v, err := m.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, "C:\\app", v)

	m.Args.Set("value", `missing=(.+)`)
	_, err = m.Run(nil)
	assert.Error(t, err)

	m.Args.Set("value", `version=.+`)
	_, err = m.Run(nil)
	assert.Error(t, err, "no capture group")

	m.Args.Set("value", `(`)
	_, err = m.Run(nil)
	assert.Error(t, err)
}

func TestMethodRegedit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("registry is available")
	}
	_, err := (&Method{Method: MethodRegedit, Args: Variables{
		{Code: "path", Value: `HKLM\SOFTWARE\App`},
		{Code: "field", Value: "InstallPath"},
	}}).Run(nil)
	assert.ErrorIs(t, err, errors.ErrUnsupported)

	_, err = (&Method{Method: MethodRegedit, Args: Variables{{Code: "path", Value: `HKLM\SOFTWARE\App`}}}).Run(nil)
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestPathsResolve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.exe"), petest.CodeVersion([]byte{0xC3}, "2.1.0.0"), 0644))

	var ps Paths
	require.NoError(t, yaml.Unmarshal([]byte(`
- code: install_version
  index: 1
  methods:
  - method: fileinfo
    args:
      path: ${install_location}/app.exe
- code: install_location
  index: 0
  file: ${value}/app.exe
  methods:
  - method: calculate
    index: 2
    args:
      value: `+dir+`
  - method: calculate
    index: 1
    args:
      value: `+filepath.Join(dir, "missing")+`
  - method: readfile
    index: 0
    args:
      path: `+filepath.Join(dir, "missing.ini")+`
      value: (.+)
`), &ps))

	vars, err := ps.Resolve()
	require.NoError(t, err)
	loc, err := vars.InstallLocation()
	require.NoError(t, err)
	assert.Equal(t, dir, loc, "first method whose file exists")
	ver, err := vars.InstallVersion()
	require.NoError(t, err)
	assert.Equal(t, "2.1.0.0", ver)
	assert.Equal(t, "install_version", ps[0].Code, "the items are not reordered")

	ps[1].Methods = ps[1].Methods[1:]
	_, err = ps.Resolve()
	assert.ErrorIs(t, err, ErrGetPath)
}

func TestPathsClone(t *testing.T) {
	ps := Paths{{Code: "a", Methods: []Method{{Method: MethodCalculate, Args: Variables{{Code: "value", Value: "x"}}}}}}
	c := ps.clone()
	c[0].Methods[0].Args.Set("value", "y")
	c[0].Methods = append(c[0].Methods, Method{})
	assert.Equal(t, "x", ps[0].Methods[0].Args[0].Value)
	assert.Len(t, ps[0].Methods, 1)
}
