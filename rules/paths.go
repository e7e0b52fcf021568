package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rulepatch/rulepatch/patchlib"
)

// Variables available to the templates of a PathItem.
const (
	pathValue = "value"
	pathPath  = "path"
	pathField = "field"
)

var executable = os.Executable

// MethodType is a strategy for finding a value.
type MethodType string

const (
	// MethodRuntime is the directory of the running executable.
	MethodRuntime MethodType = "runtime"
	// MethodCalculate is the value arg.
	MethodCalculate MethodType = "calculate"
	// MethodFileInfo is the PE file version of the path arg.
	MethodFileInfo MethodType = "fileinfo"
	// MethodRegedit is the string registry value field of the key path.
	MethodRegedit MethodType = "regedit"
	// MethodReadFile is the first capture group of the regexp value in the
	// file path.
	MethodReadFile MethodType = "readfile"
)

// PathFix post-processes a value. The steps run in the order of the fields.
type PathFix struct {
	Unprefix string `yaml:"unprefix,omitempty"` // remove everything up to and including the first occurrence
	Unsuffix string `yaml:"unsuffix,omitempty"` // remove the first occurrence and everything after it
	Pattern  string `yaml:"pattern,omitempty"`  // regexp, the first match is replaced with Replace
	Replace  string `yaml:"replace,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Suffix   string `yaml:"suffix,omitempty"`
}

// Apply applies the fix to s.
func (f PathFix) Apply(s string) (string, error) {
	if f.Unprefix != "" {
		if _, after, ok := strings.Cut(s, f.Unprefix); ok {
			s = after
		}
	}
	if f.Unsuffix != "" {
		if before, _, ok := strings.Cut(s, f.Unsuffix); ok {
			s = before
		}
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return "", fmt.Errorf("%w: bad fix pattern %#v: %v", ErrGetPath, f.Pattern, err)
		}
		if m := re.FindStringSubmatchIndex(s); m != nil {
			s = s[:m[0]] + string(re.ExpandString(nil, f.Replace, s, m)) + s[m[1]:]
		}
	}
	return f.Prefix + s + f.Suffix, nil
}

// Method is one strategy of a PathItem.
type Method struct {
	Method MethodType `yaml:"method"`
	Index  int        `yaml:"index"`
	Args   Variables  `yaml:"args,omitempty"`
	Retry  int        `yaml:"retry,omitempty"` // attempts, at least 1
	Fix    PathFix    `yaml:"fix,omitempty"`
}

// Run runs the method. String args are substituted with the values resolved
// so far.
func (m *Method) Run(resolved Variables) (string, error) {
	args := m.Args.Clone()
	for i, v := range args {
		if s, ok := v.Value.(string); ok {
			args[i].Value = resolved.Substitute(s)
		}
	}

	retry := m.Retry
	if retry < 1 {
		retry = 1
	}
	var err error
	for i := 0; i < retry; i++ {
		var v string
		if v, err = m.run(args); err == nil {
			return m.Fix.Apply(v)
		}
		Log("method %s: attempt %d/%d: %v\n", m.Method, i+1, retry, err)
	}
	return "", err
}

func arg(args Variables, code string) (string, error) {
	v, ok := args.Find(code)
	if !ok {
		return "", fmt.Errorf("%w: args.%s", ErrFieldMissing, code)
	}
	return v.String(), nil
}

func (m *Method) run(args Variables) (string, error) {
	switch m.Method {
	case MethodRuntime:
		exe, err := executable()
		if err != nil {
			return "", err
		}
		return filepath.Dir(exe), nil
	case MethodCalculate:
		return arg(args, pathValue)
	case MethodFileInfo:
		path, err := arg(args, pathPath)
		if err != nil {
			return "", err
		}
		v, err := patchlib.FileVersionOf(path)
		if err != nil {
			return "", err
		}
		if v == "" {
			return "", fmt.Errorf("%s: %w", path, patchlib.ErrNoVersion)
		}
		return v, nil
	case MethodRegedit:
		path, err := arg(args, pathPath)
		if err != nil {
			return "", err
		}
		field, err := arg(args, pathField)
		if err != nil {
			return "", err
		}
		return readRegistry(path, field)
	case MethodReadFile:
		path, err := arg(args, pathPath)
		if err != nil {
			return "", err
		}
		expr, err := arg(args, pathValue)
		if err != nil {
			return "", err
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("bad pattern %#v: %w", expr, err)
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		if m := re.FindSubmatch(buf); len(m) > 1 {
			return string(m[1]), nil
		}
		return "", fmt.Errorf("%s: no match for %#v", path, expr)
	}
	return "", fmt.Errorf("unknown method %#v", m.Method)
}

// PathItem resolves one variable by trying its methods in order.
type PathItem struct {
	Code        string   `yaml:"code"`
	Index       int      `yaml:"index"`
	Name        string   `yaml:"name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Methods     []Method `yaml:"methods"`
	Value       string   `yaml:"value,omitempty"`
	Path        string   `yaml:"path,omitempty"` // template for ${path}, may use ${value}
	File        string   `yaml:"file,omitempty"` // file which must exist, may use ${value} and ${path}
	Fix         PathFix  `yaml:"fix,omitempty"`
}

// DisplayName returns the name, or the code if there isn't one.
func (p *PathItem) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Code
}

// Resolve returns the value of the first method which succeeds and passes
// the file check.
func (p *PathItem) Resolve(resolved Variables) (string, error) {
	methods := append([]Method(nil), p.Methods...)
	sort.SliceStable(methods, func(i, j int) bool {
		return methods[i].Index < methods[j].Index
	})
	for _, m := range methods {
		v, err := m.Run(resolved)
		if err == nil {
			v, err = p.Fix.Apply(v)
		}
		if err != nil {
			Log("path %s: method %s failed: %v\n", p.DisplayName(), m.Method, err)
			continue
		}

		var tmp Variables
		tmp.Set(pathValue, v)
		if p.Path != "" {
			tmp.Set(pathPath, resolved.Substitute(tmp.Substitute(p.Path)))
		}
		if p.File != "" {
			file := resolved.Substitute(tmp.Substitute(p.File))
			if !exists(file) {
				Log("path %s: method %s: %s does not exist\n", p.DisplayName(), m.Method, file)
				continue
			}
		}
		Log("path %s: method %s: %s\n", p.DisplayName(), m.Method, v)
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrGetPath, p.DisplayName())
}

// Paths is the list of path items of a rule.
type Paths []PathItem

// Resolve resolves every item in index order, each into a variable named by
// its code. Later items can use the earlier ones.
func (ps Paths) Resolve() (Variables, error) {
	items := append(Paths(nil), ps...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Index < items[j].Index
	})
	var vars Variables
	for i := range items {
		v, err := items[i].Resolve(vars)
		if err != nil {
			return nil, err
		}
		vars.Set(items[i].Code, v)
	}
	return vars, nil
}

func (ps Paths) clone() Paths {
	if ps == nil {
		return nil
	}
	c := make(Paths, len(ps))
	for i, p := range ps {
		p.Methods = append([]Method(nil), p.Methods...)
		for j := range p.Methods {
			p.Methods[j].Args = p.Methods[j].Args.Clone()
		}
		c[i] = p
	}
	return c
}
