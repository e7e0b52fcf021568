package rules

import (
	"errors"
	"fmt"

	"github.com/rulepatch/rulepatch/patchlib"
)

// Pattern is one patch site. Before searching it holds the version groups (or
// the group resolved for the installed version), after it the addresses.
type Pattern struct {
	Code        string    `yaml:"code"`
	Name        string    `yaml:"name,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Groups      Groups    `yaml:"groups,omitempty"`
	Group       *Group    `yaml:"group,omitempty"`
	Disabled    bool      `yaml:"disabled,omitempty"`
	Supported   bool      `yaml:"supported,omitempty"`
	Searched    bool      `yaml:"searched,omitempty"`
	Patched     bool      `yaml:"patched,omitempty"`
	Addresses   []Address `yaml:"addresses,omitempty"`
	Reason      string    `yaml:"reason,omitempty"` // why the pattern is unsupported
}

// DisplayName returns the name, or the code if there isn't one.
func (p *Pattern) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Code
}

// Init resolves the group for the installed version on the first call, builds
// the search form of the replacement on instance builds before searching, and
// resolves the address replacements after searching.
func (p *Pattern) Init(vars Variables) error {
	if p.Disabled {
		return nil
	}

	if num, err := vars.Num(); err == nil && num == SearchInstance && len(p.Groups) == 0 && p.Group == nil && !p.Searched {
		return configErr("Init", p.Code, fmt.Errorf("%w: groups", ErrFieldMissing))
	}

	if len(p.Groups) != 0 {
		ver, err := vars.InstallVersion()
		if err != nil {
			return configErr("Init", p.Code, err)
		}
		g, err := p.Groups.Resolve(ParseVersion(ver))
		if err != nil {
			return configErr("Init", p.Code, err)
		}
		Log("pattern %s: using group %s for version %s\n", p.Code, g.Version, ver)
		p.Groups = nil
		p.Disabled = g.Disabled
		if !p.Disabled {
			p.Group = &g
		}
		return nil
	}

	if _, err := vars.Num(); err == nil && p.Group != nil {
		if err := p.Group.Init(vars); err != nil {
			return configErr("Init", p.Code, err)
		}
	}

	if len(p.Addresses) != 0 {
		p.Patched = false
		for i := range p.Addresses {
			if err := p.Addresses[i].Init(vars); err != nil {
				if errors.Is(err, patchlib.ErrDisplacementTooLarge) {
					Log("pattern %s: %v, marking as unsupported\n", p.Code, err)
					p.unsupported(err)
					return nil
				}
				return configErr("Init", p.Code, err)
			}
		}
	}
	return nil
}

func (p *Pattern) unsupported(err error) {
	p.Supported = false
	p.Addresses = nil
	p.Reason = err.Error()
}

// Search locates the addresses of the pattern in a pristine file. It only
// scans once. If the pattern is not found but the replacement is, the
// addresses are kept and ErrBackupAlreadyPatched is returned. Other failures
// mark the pattern as unsupported.
func (p *Pattern) Search(b *patchlib.Patcher) error {
	if p.Disabled {
		p.Supported = true
		p.Searched = true
		return nil
	}
	if p.Searched {
		return nil
	}
	p.Searched = true

	g := p.Group
	p.Group = nil
	if g == nil {
		p.unsupported(fmt.Errorf("%w: no group", ErrFieldMissing))
		return nil
	}

	addrs, err := g.Search(b, false, p.DisplayName())
	if err == nil {
		p.Addresses, p.Supported = addrs, true
		return nil
	}
	Log("pattern %s: %v\n", p.Code, err)

	if addrs, rerr := g.Search(b, true, p.DisplayName()); rerr == nil {
		p.Addresses, p.Supported = addrs, true
		return integrityErr("Search", p.DisplayName(), ErrBackupAlreadyPatched)
	}
	p.unsupported(patternErr("Search", p.DisplayName(), err))
	return nil
}

// DetectPatched sets Patched if every address is patched.
func (p *Pattern) DetectPatched(b *patchlib.Patcher) (bool, error) {
	p.Patched = true
	for i := range p.Addresses {
		patched, err := p.Addresses[i].DetectPatched(b)
		if err != nil {
			return false, err
		}
		p.Patched = p.Patched && patched
	}
	return p.Patched, nil
}

// AnyPatched returns true if any address is patched.
func (p *Pattern) AnyPatched() bool {
	for _, a := range p.Addresses {
		if a.Patched {
			return true
		}
	}
	return false
}

func (p *Pattern) usable() error {
	if len(p.Addresses) == 0 {
		return configErr("Patch", p.Code, ErrDependPatchNotFound)
	}
	return nil
}

// Validate checks that every address can be written.
func (p *Pattern) Validate(b *patchlib.Patcher) error {
	if p.Disabled {
		return nil
	}
	if err := p.usable(); err != nil {
		return err
	}
	for i := range p.Addresses {
		if err := p.Addresses[i].Validate(b); err != nil {
			return fmt.Errorf("validate %s: %w", p.Code, err)
		}
	}
	return nil
}

// Apply writes every address. Disabled patterns are skipped.
func (p *Pattern) Apply(b *patchlib.Patcher, enable bool) error {
	if p.Disabled {
		Log("pattern %s is disabled, skipping\n", p.Code)
		return nil
	}
	if err := p.usable(); err != nil {
		return err
	}
	Log("applying %s (enable: %t)\n", p.Code, enable)
	for i := range p.Addresses {
		if err := p.Addresses[i].Apply(b, enable); err != nil {
			return fmt.Errorf("apply %s: %w", p.Code, err)
		}
	}
	return nil
}

// ValidateExplicit checks that ApplyExplicit would succeed without writing
// anything.
func (p *Pattern) ValidateExplicit(b *patchlib.Patcher, hex string) error {
	if p.Disabled {
		return nil
	}
	if err := p.usable(); err != nil {
		return err
	}
	for i := range p.Addresses {
		if err := p.Addresses[i].ValidateExplicit(b, hex); err != nil {
			return fmt.Errorf("validate %s: %w", p.Code, err)
		}
	}
	return nil
}

// ApplyExplicit writes hex to every address.
func (p *Pattern) ApplyExplicit(b *patchlib.Patcher, hex string) error {
	if p.Disabled {
		return nil
	}
	if err := p.usable(); err != nil {
		return err
	}
	for i := range p.Addresses {
		if err := p.Addresses[i].ApplyExplicit(b, hex); err != nil {
			return fmt.Errorf("apply %s: %w", p.Code, err)
		}
	}
	return nil
}

// ReadOriginal returns the current bytes of the first address.
func (p *Pattern) ReadOriginal(b *patchlib.Patcher) (OriginalView, error) {
	if err := p.usable(); err != nil {
		return OriginalView{}, err
	}
	a := p.Addresses[0]
	cur, err := a.Read(b)
	if err != nil {
		return OriginalView{}, err
	}
	return OriginalView{
		PatternCode: p.Code,
		PatternName: p.DisplayName(),
		Original:    cur,
		Offset:      a.Offset,
		Len:         a.Len,
	}, nil
}

func (p Pattern) clone() Pattern {
	p.Groups = p.Groups.clone()
	if p.Group != nil {
		g := *p.Group
		p.Group = &g
	}
	if p.Addresses != nil {
		p.Addresses = append([]Address(nil), p.Addresses...)
	}
	return p
}

// Patterns is the list of patterns of a patch.
type Patterns []Pattern

// Find returns the pattern with the specified code.
func (ps Patterns) Find(code string) *Pattern {
	for i := range ps {
		if ps[i].Code == code {
			return &ps[i]
		}
	}
	return nil
}

// Supported returns true if every pattern is supported or disabled.
func (ps Patterns) Supported() bool {
	for _, p := range ps {
		if !p.Disabled && !p.Supported {
			return false
		}
	}
	return true
}

// Searched returns true if any pattern was searched.
func (ps Patterns) Searched() bool {
	for _, p := range ps {
		if p.Searched {
			return true
		}
	}
	return false
}

// IsPatched returns true if any address of any pattern is patched.
func (ps Patterns) IsPatched() bool {
	for i := range ps {
		if ps[i].AnyPatched() {
			return true
		}
	}
	return false
}

func (ps Patterns) clone() Patterns {
	if ps == nil {
		return nil
	}
	c := make(Patterns, len(ps))
	for i, p := range ps {
		c[i] = p.clone()
	}
	return c
}
