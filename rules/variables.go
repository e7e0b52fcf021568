package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rulepatch/rulepatch/patchlib"
	"gopkg.in/yaml.v3"
)

// Well-known variable codes.
const (
	VarInstallLocation = "install_location"
	VarInstallVersion  = "install_version"
	VarNum             = "num"
	VarNumHex          = "num_hex"
	VarIsMain          = "ismain"
)

// Main instances patch the base files in place, so references to a save path
// are rewritten to the matching base path.
const (
	saveSuffix = "_save}"
	baseSuffix = "_base}"
)

var (
	placeholderRe = regexp.MustCompile(`\$\{([^}]+?)\}`)
	jumpRe        = regexp.MustCompile(`\[([^\[\]|]+)\|([^\[\]|]*)\|([^\[\]|]*)\]`)
)

// Variable is a named value. Value is one of string, int64, uint64, float64 or
// bool.
type Variable struct {
	Code  string
	Value interface{}
}

func (v Variable) String() string {
	switch x := v.Value.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v.Value)
}

func normalizeValue(x interface{}) interface{} {
	switch x := x.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return uint64(x)
	case uint32:
		return uint64(x)
	case float32:
		return float64(x)
	}
	return x
}

// Variables is an ordered table of variables, unique by code.
type Variables []Variable

// Find returns the variable with the specified code, compared
// case-insensitively.
func (vs Variables) Find(code string) (Variable, bool) {
	for _, v := range vs {
		if strings.EqualFold(v.Code, code) {
			return v, true
		}
	}
	return Variable{}, false
}

// Set replaces the value of the variable matching code (case-insensitively),
// or appends a new one.
func (vs *Variables) Set(code string, value interface{}) {
	value = normalizeValue(value)
	for i := range *vs {
		if strings.EqualFold((*vs)[i].Code, code) {
			(*vs)[i].Value = value
			return
		}
	}
	*vs = append(*vs, Variable{Code: code, Value: value})
}

// Merge sets every variable of o.
func (vs *Variables) Merge(o Variables) {
	for _, v := range o {
		vs.Set(v.Code, v.Value)
	}
}

// Clone returns a copy of the table.
func (vs Variables) Clone() Variables {
	if vs == nil {
		return nil
	}
	return append(Variables(nil), vs...)
}

// GetString returns a string variable.
func (vs Variables) GetString(code string) (string, error) {
	if v, ok := vs.Find(code); ok {
		if s, ok := v.Value.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not set to a string", ErrVariable, code)
}

// GetUint returns an unsigned variable. Non-negative integers are accepted.
func (vs Variables) GetUint(code string) (uint64, error) {
	if v, ok := vs.Find(code); ok {
		switch x := v.Value.(type) {
		case uint64:
			return x, nil
		case int64:
			if x >= 0 {
				return uint64(x), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s is not set to an unsigned integer", ErrVariable, code)
}

// GetBool returns a boolean variable.
func (vs Variables) GetBool(code string) (bool, error) {
	if v, ok := vs.Find(code); ok {
		if b, ok := v.Value.(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("%w: %s is not set to a boolean", ErrVariable, code)
}

func (vs Variables) InstallLocation() (string, error) {
	return vs.GetString(VarInstallLocation)
}

func (vs Variables) InstallVersion() (string, error) {
	return vs.GetString(VarInstallVersion)
}

// Num returns the instance number, which is only set on instance builds.
func (vs Variables) Num() (uint64, error) {
	return vs.GetUint(VarNum)
}

func (vs Variables) NumHex() (string, error) {
	return vs.GetString(VarNumHex)
}

func (vs Variables) IsMain() (bool, error) {
	return vs.GetBool(VarIsMain)
}

// Init substitutes the string variables against the table. It is a single
// pass, so chained references need more than one call.
func (vs Variables) Init() {
	vals := make([]interface{}, len(vs))
	for i, v := range vs {
		vals[i] = v.Value
		if s, ok := v.Value.(string); ok {
			vals[i] = vs.Substitute(s)
		}
	}
	for i := range vs {
		vs[i].Value = vals[i]
	}
}

// Substitute replaces every ${code} in text with the value of the variable.
// Unknown codes are left as-is.
func (vs Variables) Substitute(text string) string {
	if !strings.Contains(text, "${") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		if v, ok := vs.Find(m[2 : len(m)-1]); ok {
			return v.String()
		}
		return m
	})
}

// FixMainTarget rewrites save path references into base path references if
// the table is for a main instance.
func (vs Variables) FixMainTarget(path string) string {
	if ismain, err := vs.IsMain(); err == nil && ismain {
		return strings.ReplaceAll(path, saveSuffix, baseSuffix)
	}
	return path
}

// HasPlaceholders returns true if text still contains a ${code} or a jump
// token.
func HasPlaceholders(text string) bool {
	return placeholderRe.MatchString(text) || jumpRe.MatchString(text)
}

// jump is a parsed [code|offsetExpr|byteLen] token.
type jump struct {
	token      string
	code       string
	siteAdjust int64
	targetAdj  int64
	auto       bool // site adjustment derived from the token position
	size       int
}

func parseJump(text string, loc []int) (jump, error) {
	j := jump{
		token: text[loc[0]:loc[1]],
		code:  strings.TrimSpace(text[loc[2]:loc[3]]),
	}
	size, err := strconv.Atoi(strings.TrimSpace(text[loc[6]:loc[7]]))
	if err != nil || size < 1 || size > 8 {
		return j, fmt.Errorf("%w: bad byte length in %s", ErrVariable, j.token)
	}
	j.size = size

	switch expr := strings.TrimSpace(text[loc[4]:loc[5]]); {
	case expr == "":
	case expr == "?":
		j.auto = true
	case strings.Contains(expr, ","):
		a, b, _ := strings.Cut(expr, ",")
		if j.siteAdjust, err = strconv.ParseInt(strings.TrimSpace(a), 0, 64); err != nil {
			return j, fmt.Errorf("%w: bad site adjustment in %s", ErrVariable, j.token)
		}
		if j.targetAdj, err = strconv.ParseInt(strings.TrimSpace(b), 0, 64); err != nil {
			return j, fmt.Errorf("%w: bad target adjustment in %s", ErrVariable, j.token)
		}
	default:
		if j.siteAdjust, err = strconv.ParseInt(expr, 0, 64); err != nil {
			return j, fmt.Errorf("%w: bad adjustment in %s", ErrVariable, j.token)
		}
	}
	return j, nil
}

// SubstituteJumps replaces every [code|offsetExpr|byteLen] token in the hex
// template text with the relative displacement from site to the address held
// by the variable code. offsetExpr is a site adjustment "n", a pair of site and
// target adjustments "a,b", or "?" to use the position of the token in the
// template plus byteLen (the end of the displacement operand).
func (vs Variables) SubstituteJumps(text string, site uint64) (string, error) {
	locs := jumpRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, nil
	}

	var out strings.Builder
	var last int
	for _, loc := range locs {
		out.WriteString(text[last:loc[0]])
		last = loc[1]

		j, err := parseJump(text, loc)
		if err != nil {
			return "", err
		}
		siteAdjust := j.siteAdjust
		if j.auto {
			prefix := out.String()
			if strings.Contains(prefix, patchlib.Ellipsis) {
				return "", fmt.Errorf("%w: %s: position is unknown after an ellipsis", ErrVariable, j.token)
			}
			siteAdjust = int64(len(patchlib.StripSpaces(prefix))/2 + j.size)
		}
		target, err := vs.GetUint(j.code)
		if err != nil {
			return "", fmt.Errorf("%s: %w", j.token, err)
		}
		b, err := patchlib.AsmRel(site, target, siteAdjust, j.targetAdj, j.size)
		if err != nil {
			return "", fmt.Errorf("%s: %w", j.token, err)
		}
		Log("  jump %s: site %#x%+d, target %#x%+d -> %X\n", j.token, site, siteAdjust, target, j.targetAdj, b)
		out.WriteString(patchlib.EncodeHex(b))
	}
	out.WriteString(text[last:])
	return out.String(), nil
}

// MaskJumps replaces every jump token with byteLen wildcard bytes. It is used
// to build the search form of a replacement template.
func (vs Variables) MaskJumps(text string) (string, error) {
	var err error
	res := jumpRe.ReplaceAllStringFunc(text, func(m string) string {
		loc := jumpRe.FindStringSubmatchIndex(m)
		j, jerr := parseJump(m, loc)
		if jerr != nil {
			err = jerr
			return m
		}
		return strings.Repeat("??", j.size)
	})
	return res, err
}

func (vs *Variables) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of variables", n.Line)
	}
	*vs = nil
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if _, ok := vs.Find(k.Value); ok {
			return fmt.Errorf("line %d: duplicate variable %#v", k.Line, k.Value)
		}
		val, err := scalarValue(v)
		if err != nil {
			return fmt.Errorf("line %d: variable %#v: %w", v.Line, k.Value, err)
		}
		*vs = append(*vs, Variable{Code: k.Value, Value: val})
	}
	return nil
}

func scalarValue(n *yaml.Node) (interface{}, error) {
	if n.Kind != yaml.ScalarNode {
		return nil, errors.New("expected a scalar")
	}
	var x interface{}
	if err := n.Decode(&x); err != nil {
		return nil, err
	}
	switch x := x.(type) {
	case nil:
		return "", nil
	case int, int64, uint64, float64, bool, string:
		return normalizeValue(x), nil
	}
	return n.Value, nil
}

func (vs Variables) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, v := range vs {
		tag := "!!str"
		switch v.Value.(type) {
		case int64, uint64:
			tag = "!!int"
		case float64:
			tag = "!!float"
		case bool:
			tag = "!!bool"
		}
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Code},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: v.String()},
		)
	}
	return n, nil
}
