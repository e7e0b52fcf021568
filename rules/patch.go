package rules

import (
	"errors"
	"fmt"

	"github.com/rulepatch/rulepatch/patchlib"
)

// Patch is the set of patterns in one file. The base file is the pristine
// program file, the backup a copy of it taken before searching, and the save
// file the file an instance patches (the base file itself for the main
// instance).
type Patch struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	SaveFile    string   `yaml:"savefile"`
	BackupFile  string   `yaml:"backfile"`
	BaseFile    string   `yaml:"basefile"`
	Patterns    Patterns `yaml:"patterns,omitempty"`
	Supported   bool     `yaml:"supported,omitempty"`
	Patched     bool     `yaml:"patched,omitempty"`
}

// DisplayName returns the name, or the code if there isn't one.
func (p *Patch) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Code
}

// Init initializes the patterns and, on instance builds, substitutes the file
// paths.
func (p *Patch) Init(vars Variables) error {
	for i := range p.Patterns {
		if err := p.Patterns[i].Init(vars); err != nil {
			return err
		}
	}
	if _, err := vars.Num(); err == nil {
		p.BackupFile = vars.Substitute(p.BackupFile)
		p.BaseFile = vars.Substitute(p.BaseFile)
		p.SaveFile = vars.Substitute(vars.FixMainTarget(p.SaveFile))
	}
	return nil
}

func (p *Patch) inputFile(useBackup bool) string {
	if useBackup {
		return p.BackupFile
	}
	return p.SaveFile
}

// backend returns the patcher reading from the backup or the save file and
// writing to the save file.
func (p *Patch) backend(c *Cache, useBackup, writable bool, op string) (*patchlib.Patcher, error) {
	key := p.inputFile(useBackup)
	Log("%s: using %s (save: %s, writable: %t)\n", op, key, p.SaveFile, writable)
	if !exists(key) {
		return nil, ioErr(op, key, ErrFileNotExist)
	}
	return c.Get(key, key, p.SaveFile, writable)
}

// Search searches every pattern in the backup file.
func (p *Patch) Search(b *patchlib.Patcher) error {
	if !p.Patterns.Searched() {
		Log("searching %s in %s\n", p.DisplayName(), b.File())
		for i := range p.Patterns {
			if err := p.Patterns[i].Search(b); err != nil {
				return err
			}
		}
	}
	p.Supported = p.Patterns.Supported()
	p.Patched = p.Patterns.IsPatched()
	return nil
}

// DetectPatched reads the patched state of every pattern.
func (p *Patch) DetectPatched(b *patchlib.Patcher) error {
	for i := range p.Patterns {
		if _, err := p.Patterns[i].DetectPatched(b); err != nil {
			return fmt.Errorf("detect %s: %w", p.Patterns[i].Code, err)
		}
	}
	p.Patched = p.Patterns.IsPatched()
	return nil
}

func (p Patch) clone() Patch {
	p.Patterns = p.Patterns.clone()
	return p
}

// Patches is the list of patches of a rule.
type Patches []Patch

// Get returns the patch with the specified code.
func (ps Patches) Get(code string) (*Patch, error) {
	for i := range ps {
		if ps[i].Code == code {
			return &ps[i], nil
		}
	}
	return nil, configErr("Patches", code, ErrDependPatchNotFound)
}

// FindByPattern returns the patch and pattern for a pattern code.
func (ps Patches) FindByPattern(code string) (*Patch, *Pattern, error) {
	for i := range ps {
		if pat := ps[i].Patterns.Find(code); pat != nil {
			return &ps[i], pat, nil
		}
	}
	return nil, nil, configErr("Patches", code, ErrDependPatchNotFound)
}

// Init initializes every patch.
func (ps Patches) Init(vars Variables) error {
	for i := range ps {
		if err := ps[i].Init(vars); err != nil {
			return err
		}
	}
	return nil
}

// Backup backs up every base file.
func (ps Patches) Backup() error {
	for i := range ps {
		if err := BackupFile(ps[i].BaseFile, ps[i].BackupFile); err != nil {
			return err
		}
	}
	return nil
}

// Search searches every patch in its backup file. Any error, including a
// backup which is already patched, removes every backup.
func (ps Patches) Search(c *Cache, rule string) error {
	for i := range ps {
		err := func() error {
			b, err := ps[i].backend(c, true, false, "Search")
			if err != nil {
				return err
			}
			return ps[i].Search(b)
		}()
		if err != nil {
			Log("search %s failed, removing backups: %v\n", ps[i].DisplayName(), err)
			if cerr := c.Close(); cerr != nil {
				Log("close: %v\n", cerr)
			}
			for j := range ps {
				if rerr := removeFile(ps[j].BackupFile); rerr != nil {
					Log("remove backup: %v\n", rerr)
				}
			}
			return integrityErr("SearchAddresses", rule, fmt.Errorf("%w: %s: %w", ErrBackupInvalid, ps[i].DisplayName(), err))
		}
	}
	return nil
}

// CheckFiles checks every patch file against its base file, and removes the
// save files if any check fails.
func (ps Patches) CheckFiles(mustExist, useBackup bool) error {
	var last error
	for i := range ps {
		if err := ps[i].checkFile(mustExist, useBackup); err != nil {
			Log("check %s: %v\n", ps[i].DisplayName(), err)
			last = err
		}
	}
	if last != nil {
		if err := ps.RemoveFiles(); err != nil {
			return errors.Join(last, err)
		}
		return last
	}
	return nil
}

// RemoveFiles removes every save file. Save files which are the base file
// (the main instance) are never removed.
func (ps Patches) RemoveFiles() error {
	for i := range ps {
		if samePath(ps[i].SaveFile, ps[i].BaseFile) {
			Log("not removing base file %s\n", ps[i].BaseFile)
			continue
		}
		if err := removeFile(ps[i].SaveFile); err != nil {
			return err
		}
	}
	return nil
}

// DetectPatched reads the patched state of every patch from its save file.
func (ps Patches) DetectPatched(c *Cache) error {
	for i := range ps {
		b, err := ps[i].backend(c, false, false, "DetectPatched")
		if err != nil {
			return err
		}
		if err := ps[i].DetectPatched(b); err != nil {
			return ioErr("DetectPatched", b.File(), err)
		}
	}
	return nil
}

// Validate checks that every dependent pattern of f can be written.
func (ps Patches) Validate(c *Cache, f *Feature, useBackup bool) error {
	for _, code := range f.DependPatches {
		p, pat, err := ps.FindByPattern(code)
		if err != nil {
			return err
		}
		b, err := p.backend(c, useBackup, true, f.Code)
		if err != nil {
			return err
		}
		if err := pat.Validate(b); err != nil {
			return ioErr("Validate", b.File(), err)
		}
	}
	return nil
}

// Apply writes every dependent pattern of f. The backup is read instead of
// the save file if useBackup is set.
func (ps Patches) Apply(c *Cache, f *Feature, enable, useBackup bool) error {
	for _, code := range f.DependPatches {
		p, pat, err := ps.FindByPattern(code)
		if err != nil {
			return err
		}
		b, err := p.backend(c, useBackup, true, f.Code)
		if err != nil {
			return err
		}
		if err := pat.Apply(b, enable); err != nil {
			return ioErr("Patch", b.File(), err)
		}
	}
	return nil
}

// ApplyExplicit writes the bytes of each view to the pattern it names. Every
// view must name a dependent pattern of f, and every view is validated
// before anything is written.
func (ps Patches) ApplyExplicit(c *Cache, f *Feature, views OriginalViews) error {
	type write struct {
		pat *Pattern
		b   *patchlib.Patcher
		hex string
	}
	writes := make([]write, 0, len(views))
	for _, v := range views {
		if !contains(f.DependPatches, v.PatternCode) {
			return configErr("ApplyExplicit", v.PatternCode, fmt.Errorf("%w: not a pattern of %s", ErrDependPatchNotFound, f.DisplayName()))
		}
		p, pat, err := ps.FindByPattern(v.PatternCode)
		if err != nil {
			return err
		}
		b, err := p.backend(c, false, true, f.Code)
		if err != nil {
			return err
		}
		if err := pat.ValidateExplicit(b, v.Original); err != nil {
			return ioErr("ApplyExplicit", b.File(), err)
		}
		writes = append(writes, write{pat, b, v.Original})
	}
	for _, w := range writes {
		if err := w.pat.ApplyExplicit(w.b, w.hex); err != nil {
			return ioErr("ApplyExplicit", w.b.File(), err)
		}
	}
	return nil
}

// ReadOriginal reads the current bytes of the dependent patterns of f.
// Disabled patterns are skipped.
func (ps Patches) ReadOriginal(c *Cache, f *Feature) (OriginalViews, error) {
	var views OriginalViews
	for _, code := range f.DependPatches {
		p, pat, err := ps.FindByPattern(code)
		if err != nil {
			return nil, err
		}
		if pat.Disabled {
			continue
		}
		b, err := p.backend(c, false, false, f.Code)
		if err != nil {
			return nil, err
		}
		v, err := pat.ReadOriginal(b)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// CopyPatterns replaces the patterns of every patch with a copy of the ones
// of the same patch in o.
func (ps Patches) CopyPatterns(o Patches) error {
	for i := range ps {
		src, err := o.Get(ps[i].Code)
		if err != nil {
			return err
		}
		ps[i].Patterns = src.Patterns.clone()
		ps[i].Supported = src.Supported
		ps[i].Patched = src.Patched
	}
	return nil
}

// AddressVariables returns a variable for the RVA of the first address of
// every pattern, named by the pattern code. They are the targets of jumps.
func (ps Patches) AddressVariables() Variables {
	var vars Variables
	for i := range ps {
		for _, pat := range ps[i].Patterns {
			if len(pat.Addresses) == 0 {
				continue
			}
			vars.Set(pat.Code, pat.Addresses[0].RVA)
		}
	}
	return vars
}

// Supported returns true if every patch is supported.
func (ps Patches) Supported() bool {
	for i := range ps {
		if !ps[i].Patterns.Supported() {
			return false
		}
	}
	return true
}

// Searched returns true if any patch was searched.
func (ps Patches) Searched() bool {
	for i := range ps {
		if ps[i].Patterns.Searched() {
			return true
		}
	}
	return false
}

// IsPatched returns true if any patch is patched.
func (ps Patches) IsPatched() bool {
	for i := range ps {
		if ps[i].Patterns.IsPatched() {
			return true
		}
	}
	return false
}

func (ps Patches) clone() Patches {
	if ps == nil {
		return nil
	}
	c := make(Patches, len(ps))
	for i, p := range ps {
		c[i] = p.clone()
	}
	return c
}
