package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rulepatch/rulepatch/patchlib"
	"gopkg.in/yaml.v3"
)

// Group is the pattern and replacement for every install version starting
// from Version.
type Group struct {
	Version     Version `yaml:"version"`
	Pattern     string  `yaml:"pattern"`
	Replace     string  `yaml:"replace,omitempty"`
	Name        string  `yaml:"name,omitempty"`
	Description string  `yaml:"description,omitempty"`
	Disabled    bool    `yaml:"disabled,omitempty"`
	Count       int     `yaml:"count"` // required number of matches, 0 for any

	searchReplace string // replacement with jumps masked, used to find already patched files
}

func (g *Group) UnmarshalYAML(n *yaml.Node) error {
	type groupData Group
	obj := groupData{Count: 1}
	if err := n.DecodeStrict(&obj); err != nil {
		return err
	}
	*g = Group(obj)
	g.Pattern = patchlib.NormalizeHex(g.Pattern)
	g.Replace = normalizeTemplate(g.Replace)
	if g.Pattern == "" && !g.Disabled {
		return fmt.Errorf("line %d: %w: pattern", n.Line, ErrFieldMissing)
	}
	return nil
}

// normalizeTemplate strips whitespace and uppercases the hex of a
// replacement template. Placeholders and jump tokens keep their case.
func normalizeTemplate(s string) string {
	s = patchlib.StripSpaces(s)
	var (
		b     strings.Builder
		depth int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$' && i+1 < len(s) && s[i+1] == '{', c == '[':
			depth++
		case (c == '}' || c == ']') && depth > 0:
			depth--
		case depth == 0 && c >= 'a' && c <= 'f':
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// unchanged returns true if a replacement template keeps the original bytes.
func unchanged(replace string) bool {
	return replace == "" || replace == patchlib.Ellipsis
}

// Init builds the search form of the replacement. It requires the instance
// number variables.
func (g *Group) Init(vars Variables) error {
	if _, err := vars.Num(); err != nil {
		return err
	}
	if _, err := vars.NumHex(); err != nil {
		return err
	}
	if unchanged(g.Replace) {
		g.searchReplace = ""
		return nil
	}
	r, err := vars.MaskJumps(vars.Substitute(g.Replace))
	if err != nil {
		return err
	}
	if r, err = patchlib.ExpandEllipsis(r, g.Pattern); err != nil {
		return err
	}
	g.searchReplace = r
	return nil
}

// Search finds the addresses matching the pattern, or the search form of the
// replacement if useReplace is set. More than MaxMatches matches, or a number
// of matches other than Count, is an error.
func (g *Group) Search(p *patchlib.Patcher, useReplace bool, name string) ([]Address, error) {
	what, pat := "pattern", g.Pattern
	if useReplace {
		what, pat = "replacement", g.searchReplace
		if pat == "" {
			return nil, fmt.Errorf("%w: %s has no replacement to search for", patchlib.ErrNoMatch, name)
		}
	}
	Log("searching %s for %s %s\n", name, what, pat)

	offs, err := p.FindAll(pat, patchlib.MaxMatches)
	if err != nil {
		return nil, fmt.Errorf("search %s %s: %w", name, what, err)
	}
	if g.Count > 0 && g.Count != len(offs) {
		return nil, fmt.Errorf("search %s %s: %w: found %d, expected %d", name, what, patchlib.ErrTooManyMatches, len(offs), g.Count)
	}
	Log("found %s %s at %v\n", name, what, offs)

	n := len(g.Pattern) / 2
	addrs := make([]Address, 0, len(offs))
	for _, off := range offs {
		orig, err := p.ReadHex(off, n)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", name, err)
		}
		rva, err := p.RVA(off)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", name, err)
		}
		addrs = append(addrs, Address{
			Original: orig,
			Replace:  g.Replace,
			Offset:   off,
			RVA:      rva,
			Len:      n,
			Patched:  useReplace,
		})
	}
	return addrs, nil
}

// Groups is a list of groups sorted by descending version.
type Groups []Group

func (gs *Groups) UnmarshalYAML(n *yaml.Node) error {
	var list []Group
	if err := n.DecodeStrict(&list); err != nil {
		return err
	}
	*gs = list
	gs.Sort()
	return nil
}

// Sort sorts the groups by descending version.
func (gs Groups) Sort() {
	sort.SliceStable(gs, func(i, j int) bool {
		return gs[i].Version.Compare(gs[j].Version) > 0
	})
}

// Resolve removes and returns the group with the greatest version not
// greater than installed.
func (gs *Groups) Resolve(installed Version) (Group, error) {
	for i, g := range *gs {
		if g.Version.Compare(installed) <= 0 {
			*gs = append((*gs)[:i:i], (*gs)[i+1:]...)
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, installed)
}

func (gs Groups) clone() Groups {
	if gs == nil {
		return nil
	}
	return append(Groups(nil), gs...)
}
