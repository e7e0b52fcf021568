package rules

import (
	"fmt"

	"github.com/rulepatch/rulepatch/patchlib"
)

// Address is one located byte range in a file.
type Address struct {
	Original  string `yaml:"original"`          // hex of the bytes found by the search
	Replace   string `yaml:"replace,omitempty"` // replacement template, resolved hex after Init
	Offset    int    `yaml:"offset"`            // file offset
	RVA       uint64 `yaml:"rva"`
	Len       int    `yaml:"len"`
	Patched   bool   `yaml:"patched,omitempty"`
	Unchanged bool   `yaml:"unchanged,omitempty"` // replacement keeps the original bytes, writes are skipped
}

// Init resolves the replacement template against the variables and the
// original bytes: placeholders, then jumps from this address, then wildcards
// and the ellipsis.
func (a *Address) Init(vars Variables) error {
	a.Patched = false
	if unchanged(a.Replace) {
		a.Replace, a.Unchanged = a.Original, true
		return nil
	}

	r := vars.Substitute(a.Replace)
	r, err := vars.SubstituteJumps(r, a.RVA)
	if err != nil {
		return err
	}
	if r, err = patchlib.ResolveTemplate(r, a.Original); err != nil {
		return fmt.Errorf("%w: %v", ErrReplaceData, err)
	}
	a.Replace = r
	return a.check()
}

func (a *Address) check() error {
	switch {
	case HasPlaceholders(a.Replace):
		return fmt.Errorf("%w: unresolved variable in %s", ErrReplaceData, a.Replace)
	case len(a.Original) != len(a.Replace):
		return fmt.Errorf("%w: original %s and replacement %s differ in length", ErrReplaceData, a.Original, a.Replace)
	case len(a.Replace)/2 != a.Len:
		return fmt.Errorf("%w: replacement %s is not %d bytes", ErrReplaceData, a.Replace, a.Len)
	}
	if _, err := patchlib.DecodeHex(a.Replace); err != nil {
		return fmt.Errorf("%w: %v", ErrReplaceData, err)
	}
	return nil
}

// Read returns the current bytes at the address.
func (a *Address) Read(p *patchlib.Patcher) (string, error) {
	return p.ReadHex(a.Offset, a.Len)
}

// DetectPatched sets Patched if the current bytes differ from the original.
func (a *Address) DetectPatched(p *patchlib.Patcher) (bool, error) {
	cur, err := a.Read(p)
	if err != nil {
		return false, err
	}
	a.Patched = cur != a.Original
	return a.Patched, nil
}

// Validate checks that Apply would succeed without writing anything.
func (a *Address) Validate(p *patchlib.Patcher) error {
	if !p.Writable() {
		return patchlib.ErrReadOnly
	}
	if err := p.Check(a.Offset, a.Len); err != nil {
		return err
	}
	if a.Unchanged {
		return nil
	}
	return a.check()
}

// Apply writes the replacement if enable is set, or the original otherwise.
func (a *Address) Apply(p *patchlib.Patcher, enable bool) error {
	data := a.Original
	if enable {
		if a.Unchanged {
			Log("  %#x: replacement is unchanged, skipping\n", a.Offset)
			a.Patched = true
			return nil
		}
		data = a.Replace
	}
	if err := p.WriteHex(a.Offset, data); err != nil {
		return err
	}
	a.Patched = enable
	return nil
}

// explicitData decodes caller supplied bytes, which may not be longer than
// the address.
func (a *Address) explicitData(hex string) ([]byte, error) {
	b, err := patchlib.DecodeHex(hex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplaceData, err)
	}
	if len(b) > a.Len {
		return nil, fmt.Errorf("%w: %d bytes do not fit in %d", ErrReplaceData, len(b), a.Len)
	}
	return b, nil
}

// ValidateExplicit checks that ApplyExplicit would succeed without writing
// anything.
func (a *Address) ValidateExplicit(p *patchlib.Patcher, hex string) error {
	if !p.Writable() {
		return patchlib.ErrReadOnly
	}
	if _, err := a.explicitData(hex); err != nil {
		return err
	}
	return p.Check(a.Offset, a.Len)
}

// ApplyExplicit writes caller supplied bytes, which may not be longer than
// the address.
func (a *Address) ApplyExplicit(p *patchlib.Patcher, hex string) error {
	b, err := a.explicitData(hex)
	if err != nil {
		return err
	}
	if err := p.Write(a.Offset, b); err != nil {
		return err
	}
	a.Patched = true
	return nil
}
