package rules

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is a dotted version like "4.0.1". Non-numeric parts compare as 0
// and missing trailing parts as 0, so "1.0" == "1.0.0".
type Version struct {
	raw   string
	parts []uint64
}

// ParseVersion parses a dotted version. It never fails.
func ParseVersion(s string) Version {
	s = strings.TrimSpace(s)
	v := Version{raw: s}
	if s == "" {
		return v
	}
	for _, p := range strings.Split(s, ".") {
		n, _ := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		v.parts = append(v.parts, n)
	}
	return v
}

func (v Version) String() string {
	return v.raw
}

// IsZero returns true if the version is empty.
func (v Version) IsZero() bool {
	return v.raw == ""
}

// Compare returns -1, 0 or 1 if v is less than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	n := len(v.parts)
	if len(o.parts) > n {
		n = len(o.parts)
	}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(o.parts) {
			b = o.parts[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v *Version) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected version string", n.Line)
	}
	*v = ParseVersion(n.Value)
	return nil
}

func (v Version) MarshalYAML() (interface{}, error) {
	return v.raw, nil
}
