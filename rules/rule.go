// Package rules implements the patch rules: locating the patterns of a rule
// in the installed files, and applying its features to the main and
// co-existing copies of the program.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rulepatch/rulepatch/patchlib"
)

// Log is used to log trace output. It must be safe for concurrent use.
var Log = func(format string, a ...interface{}) {}

// SearchInstance is the instance number used to search the backup files.
// Instances 0 to 9 are the main program and the co-existing copies.
const SearchInstance = 10

// Rule is a patch rule for one program.
type Rule struct {
	Code        string    `yaml:"code"`
	Index       int       `yaml:"index"`
	Version     string    `yaml:"version"`
	Patches     Patches   `yaml:"patches"`
	State       State     `yaml:"rtype"`
	IsMain      bool      `yaml:"ismain,omitempty"`
	Name        string    `yaml:"name,omitempty"`
	News        string    `yaml:"news,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Disabled    bool      `yaml:"disabled,omitempty"`
	Supported   bool      `yaml:"supported,omitempty"`
	Patched     bool      `yaml:"patched,omitempty"`
	Installed   bool      `yaml:"installed,omitempty"`
	Paths       Paths     `yaml:"paths,omitempty"`
	Variables   Variables `yaml:"variables,omitempty"`
	Features    Features  `yaml:"features,omitempty"`
	DFeatures   []string  `yaml:"dfeatures,omitempty"` // default features to leave out
	HFeatures   Features  `yaml:"hfeatures,omitempty"` // head features, split out of Features
}

// DisplayName returns the name, or the code if there isn't one.
func (r *Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Code
}

// ResolvePath finds the install location and version, substitutes the
// variables, resolves the groups for the installed version and sets up the
// features.
func (r *Rule) ResolvePath() error {
	if err := r.expect("ResolvePath", StateConfig); err != nil {
		return err
	}
	Log("resolving install location of %s\n", r.DisplayName())

	vars, err := r.Paths.Resolve()
	if err != nil {
		return configErr("ResolvePath", r.DisplayName(), fmt.Errorf("%w: %w", ErrNotInstalled, err))
	}
	r.Installed = true
	r.Paths = nil
	r.Variables.Merge(vars)

	// twice, so variables referencing resolved paths are complete
	r.Variables.Init()
	r.Variables.Init()
	Log("variables of %s: %v\n", r.DisplayName(), r.Variables)

	if err := r.Patches.Init(r.Variables); err != nil {
		ver, _ := r.Variables.InstallVersion()
		Log("could not resolve patterns of %s for version %s: %v\n", r.DisplayName(), ver, err)
		return err
	}

	r.Features.Merge(DefaultFeatures(r.DFeatures))
	r.HFeatures = r.Features.TakeHead()
	if err := r.HFeatures.InitHead(r.Variables, r.Patches); err != nil {
		return err
	}
	if err := r.Features.Init(r.Variables, r.Patches); err != nil {
		return err
	}

	r.State = StatePathed
	Log("resolved %s\n", r.DisplayName())
	return nil
}

// SearchAddresses backs up the base files and locates every pattern in the
// backups.
func (r *Rule) SearchAddresses() error {
	if err := r.expect("SearchAddresses", StatePathed); err != nil {
		return err
	}
	if !r.Installed {
		return configErr("SearchAddresses", r.DisplayName(), ErrNotInstalled)
	}
	Log("searching addresses of %s\n", r.DisplayName())

	inst, err := r.BuildInstance(SearchInstance)
	if err != nil {
		return err
	}
	if err := inst.Patches.Backup(); err != nil {
		return err
	}
	if err := inst.Patches.CheckFiles(true, true); err != nil {
		return err
	}

	c := NewCache()
	defer c.Close()
	if err := inst.Patches.Search(c, r.DisplayName()); err != nil {
		return err
	}
	if err := r.Patches.CopyPatterns(inst.Patches); err != nil {
		return err
	}

	r.State = StateSearch
	r.Supported = r.Patches.Supported()
	r.Patched = r.Patches.IsPatched()

	// only needed before searching
	r.Name, r.Description, r.News = "", "", ""
	r.HFeatures, r.DFeatures = nil, nil

	if err := r.Features.Init(r.Variables, r.Patches); err != nil {
		return err
	}
	Log("searched %s (supported: %t, patched: %t)\n", r.DisplayName(), r.Supported, r.Patched)
	return nil
}

// instanceName returns the display name of an instance.
func instanceName(num int) string {
	if num == 0 {
		return "main"
	}
	return "coexist-" + strconv.Itoa(num)
}

// BuildInstance returns a copy of the rule for an instance. Instance
// SearchInstance is built from a pathed rule and is used to search the
// backups. Instances 0 (the main program) to 9 are built from a searched rule
// and have the replacements resolved against their own paths.
func (r *Rule) BuildInstance(num int) (*Rule, error) {
	if num < 0 || num > SearchInstance {
		return nil, configErr("BuildInstance", r.DisplayName(), fmt.Errorf("%w: %d", ErrInvalidInstance, num))
	}
	if num == SearchInstance {
		if err := r.expect("BuildInstance", StatePathed); err != nil {
			return nil, err
		}
	} else if err := r.expect("BuildInstance", StateSearch); err != nil {
		return nil, err
	}

	ismain := num == 0 || num == SearchInstance
	numHex := "??"
	if !ismain {
		numHex = patchlib.EncodeHex([]byte(strconv.Itoa(num)))
	}

	inst := r.Clone()
	inst.Variables.Set(VarIsMain, ismain)
	inst.Variables.Set(VarNum, uint64(num))
	inst.Variables.Set(VarNumHex, numHex)
	inst.Variables.Init()
	if r.State == StateSearch {
		inst.Variables.Merge(inst.Patches.AddressVariables())
	}
	if err := inst.Patches.Init(inst.Variables); err != nil {
		return nil, err
	}
	if num == SearchInstance {
		return inst, nil
	}

	if err := inst.Features.Init(inst.Variables, inst.Patches); err != nil {
		return nil, err
	}
	inst.State = StateFileed
	inst.Code = strconv.Itoa(num)
	inst.Name = instanceName(num)
	inst.Index = num
	inst.IsMain = ismain
	inst.Installed = false
	inst.Variables = nil
	return inst, nil
}

// WalkInstances builds every instance and returns the ones whose files exist
// and match the base files, sorted by index. Build failures do not stop the
// other instances and are returned joined, along with the instances found.
func (r *Rule) WalkInstances(ctx context.Context) ([]*Rule, error) {
	if err := r.expect("WalkInstances", StateSearch); err != nil {
		return nil, err
	}
	Log("looking for instances of %s\n", r.DisplayName())

	var (
		wg    sync.WaitGroup
		found = make([]*Rule, SearchInstance)
		errs  = make([]error, SearchInstance)
	)
	for num := 0; num < SearchInstance; num++ {
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[num] = err
				return
			}
			inst, err := r.BuildInstance(num)
			if err != nil {
				errs[num] = fmt.Errorf("%s: %w", instanceName(num), err)
				return
			}
			if err := inst.Patches.CheckFiles(true, false); err != nil {
				Log("no %s of %s: %v\n", inst.Name, r.DisplayName(), err)
				return
			}
			inst.Features.Retain(inst.IsMain)
			if err := inst.SetPatched(nil); err != nil {
				errs[num] = fmt.Errorf("%s: %w", inst.Name, err)
				return
			}
			Log("found %s of %s\n", inst.Name, r.DisplayName())
			found[num] = inst
		}(num)
	}
	wg.Wait()

	var insts []*Rule
	for _, inst := range found {
		if inst != nil {
			insts = append(insts, inst)
		}
	}
	sort.Slice(insts, func(i, j int) bool {
		return insts[i].Index < insts[j].Index
	})
	Log("found %d instances of %s\n", len(insts), r.DisplayName())
	return insts, errors.Join(errs...)
}

// Patch enables or disables a feature of an instance. Enabled mutually
// exclusive features are disabled first. Every address is validated before
// anything is written. The coexist feature reads the backups and writes the
// result to the save files. If c is nil, the files are checked first and the
// changes are flushed at the end.
func (r *Rule) Patch(fcode string, enable bool, c *Cache) error {
	if err := r.expect("Patch", StateFileed); err != nil {
		return err
	}
	f, err := r.Features.Get(fcode)
	if err != nil {
		return err
	}
	Log("patching %s of %s %s (enable: %t)\n", f.DisplayName(), r.DisplayName(), r.Code, enable)

	useBackup := fcode == CoexistFeature
	top := c == nil
	if top {
		c = NewCache()
		defer c.Close()
		if err := r.Patches.CheckFiles(true, useBackup); err != nil {
			return err
		}
	}

	if err := r.Features.CheckDepends(f.DependFeatures); err != nil {
		return err
	}

	var mutex []string
	if enable {
		for _, code := range f.MutexFeatures {
			if m, err := r.Features.Get(code); err == nil && m.Status {
				if err := r.Patches.Validate(c, m, useBackup); err != nil {
					return err
				}
				mutex = append(mutex, code)
			}
		}
	}
	if err := r.Patches.Validate(c, f, useBackup); err != nil {
		return err
	}

	for _, code := range mutex {
		Log("disabling mutually exclusive feature %s\n", code)
		if err := r.Patch(code, false, c); err != nil {
			return err
		}
	}
	if err := r.Patches.Apply(c, f, enable, useBackup); err != nil {
		return err
	}
	f.Status = enable

	if top {
		if !useBackup {
			if err := r.SetPatched(c); err != nil {
				return err
			}
		}
		if err := c.Flush(); err != nil {
			return err
		}
	}
	Log("patched %s\n", f.DisplayName())
	return nil
}

// SetPatched reads the patched state of every pattern from the save files
// and updates the feature status.
func (r *Rule) SetPatched(c *Cache) error {
	if err := r.expect("SetPatched", StateFileed); err != nil {
		return err
	}
	if c == nil {
		c = NewCache()
		defer c.Close()
	}
	if err := r.Patches.DetectPatched(c); err != nil {
		return err
	}
	r.Patched = r.Patches.IsPatched()
	return r.Features.SetStatus(r.Patches)
}

// ApplyExplicit writes caller supplied bytes to the patterns of a feature.
func (r *Rule) ApplyExplicit(fcode string, views OriginalViews) error {
	if err := r.expect("ApplyExplicit", StateFileed); err != nil {
		return err
	}
	f, err := r.Features.Get(fcode)
	if err != nil {
		return err
	}
	c := NewCache()
	defer c.Close()
	if err := r.Patches.ApplyExplicit(c, f, views); err != nil {
		return err
	}
	if err := r.SetPatched(c); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}
	Log("wrote %d patterns of %s\n", len(views), f.DisplayName())
	return nil
}

// ReadOriginal returns the current bytes of the patterns of a feature.
func (r *Rule) ReadOriginal(fcode string) (OriginalViews, error) {
	if err := r.expect("ReadOriginal", StateFileed); err != nil {
		return nil, err
	}
	f, err := r.Features.Get(fcode)
	if err != nil {
		return nil, err
	}
	c := NewCache()
	defer c.Close()
	return r.Patches.ReadOriginal(c, f)
}

// CreateInstance creates the files of a co-existing instance. The coexist
// feature is applied to the backups and saved, files without coexist patterns
// are copied from their backups, and the features are narrowed to the ones
// shown for co-existing copies. Partially created files are removed on
// failure.
func (r *Rule) CreateInstance() error {
	if err := r.expect("CreateInstance", StateFileed); err != nil {
		return err
	}
	if r.IsMain {
		return configErr("CreateInstance", r.DisplayName(), fmt.Errorf("%w: the main program already exists", ErrInvalidInstance))
	}
	Log("creating %s\n", r.DisplayName())

	err := r.Patch(CoexistFeature, true, nil)
	for i := range r.Patches {
		if err != nil {
			break
		}
		if p := &r.Patches[i]; !exists(p.SaveFile) {
			err = BackupFile(p.BackupFile, p.SaveFile)
		}
	}
	if err != nil {
		if rerr := r.Patches.RemoveFiles(); rerr != nil {
			Log("remove %s: %v\n", r.DisplayName(), rerr)
		}
		return err
	}

	r.Features.Retain(false)
	return r.SetPatched(nil)
}

// DeleteInstance removes the files of a co-existing instance.
func (r *Rule) DeleteInstance() error {
	if err := r.expect("DeleteInstance", StateFileed); err != nil {
		return err
	}
	if r.IsMain {
		return configErr("DeleteInstance", r.DisplayName(), fmt.Errorf("%w: the main program cannot be deleted", ErrInvalidInstance))
	}
	Log("deleting %s\n", r.DisplayName())
	return r.Patches.RemoveFiles()
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Patches = r.Patches.clone()
	c.Paths = r.Paths.clone()
	c.Variables = r.Variables.Clone()
	c.Features = r.Features.clone()
	c.HFeatures = r.HFeatures.clone()
	if r.DFeatures != nil {
		c.DFeatures = append([]string(nil), r.DFeatures...)
	}
	return &c
}
