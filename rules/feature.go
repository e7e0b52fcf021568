package rules

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// CoexistFeature is the feature which creates a co-existing copy. It reads
// the backups instead of the save files.
const CoexistFeature = "coexist"

// ButtonType is how a feature is presented.
type ButtonType string

const (
	ButtonSwitch   ButtonType = "switch"
	ButtonButton   ButtonType = "button"
	ButtonCheckbox ButtonType = "checkbox"
)

// Feature is a user facing switch, backed by a set of patterns.
type Feature struct {
	Code              string     `yaml:"code"`
	Index             int        `yaml:"index"`
	Name              string     `yaml:"name,omitempty"`
	Method            string     `yaml:"method,omitempty"`
	Icon              string     `yaml:"icon,omitempty"`
	Description       string     `yaml:"description,omitempty"`
	DetailDesc        string     `yaml:"detaildesc,omitempty"`
	InHead            bool       `yaml:"inhead,omitempty"`    // shown once per rule
	InMain            bool       `yaml:"inmain,omitempty"`    // shown for the main program
	InCoexist         bool       `yaml:"incoexist,omitempty"` // shown for co-existing copies
	ButtonType        ButtonType `yaml:"bntype,omitempty"`
	Severity          string     `yaml:"severity,omitempty"`
	Tips              string     `yaml:"tips,omitempty"`
	Disabled          bool       `yaml:"disabled,omitempty"`
	Supported         bool       `yaml:"supported"`
	Target            string     `yaml:"target,omitempty"`
	Selected          bool       `yaml:"selected,omitempty"`
	Status            bool       `yaml:"status,omitempty"`
	TDelay            int        `yaml:"tdelay,omitempty"`
	DependPatches     []string   `yaml:"dependpatches,omitempty"` // pattern codes
	DependFeatures    []string   `yaml:"dependfeatures,omitempty"`
	MutexFeatures     []string   `yaml:"mutexfeatures,omitempty"`
	SyncCloseFeatures []string   `yaml:"syncclosefeatures,omitempty"`
}

func (f *Feature) UnmarshalYAML(n *yaml.Node) error {
	type featureData Feature
	obj := featureData{
		Supported:  true,
		ButtonType: ButtonButton,
		TDelay:     150,
	}
	if err := n.DecodeStrict(&obj); err != nil {
		return err
	}
	switch obj.ButtonType {
	case ButtonSwitch, ButtonButton, ButtonCheckbox:
	default:
		return fmt.Errorf("line %d: feature %#v: unknown bntype %#v", n.Line, obj.Code, obj.ButtonType)
	}
	if obj.Code == "" {
		return fmt.Errorf("line %d: %w: code", n.Line, ErrFieldMissing)
	}
	*f = Feature(obj)
	return nil
}

// DisplayName returns the name, or the code if there isn't one.
func (f *Feature) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Code
}

// Init derives whether the feature is supported and disabled from its
// patterns once they were searched, and substitutes the target for head
// features and instance builds.
func (f *Feature) Init(vars Variables, ps Patches) error {
	if f.Disabled {
		return nil
	}

	num, err := vars.Num()
	if err != nil {
		num = SearchInstance
	}

	if len(f.DependPatches) != 0 && ps.Searched() {
		supported, disabled := true, true
		for _, code := range f.DependPatches {
			_, pat, err := ps.FindByPattern(code)
			if err != nil {
				return err
			}
			supported = supported && pat.Supported
			disabled = disabled && pat.Disabled
		}
		f.Supported, f.Disabled = supported, disabled
		Log("feature %s: supported: %t, disabled: %t\n", f.DisplayName(), f.Supported, f.Disabled)
	}

	if f.Target != "" && (f.InHead || num != SearchInstance) {
		f.Target = vars.Substitute(vars.FixMainTarget(f.Target))
		Log("feature %s: target %s\n", f.DisplayName(), f.Target)
	}
	return nil
}

// Features is a list of features sorted by index.
type Features []Feature

// Get returns the feature with the specified code.
func (fs Features) Get(code string) (*Feature, error) {
	for i := range fs {
		if fs[i].Code == code {
			return &fs[i], nil
		}
	}
	return nil, configErr("Features", code, ErrFeatureNotFound)
}

// Init initializes every feature.
func (fs Features) Init(vars Variables, ps Patches) error {
	for i := range fs {
		if err := fs[i].Init(vars, ps); err != nil {
			return err
		}
	}
	return nil
}

// InitHead initializes head features. It does nothing on instance builds.
func (fs Features) InitHead(vars Variables, ps Patches) error {
	if _, err := vars.Num(); err == nil {
		return nil
	}
	return fs.Init(vars, ps)
}

// SetStatus sets every supported and enabled feature on if all of its
// patterns are patched.
func (fs Features) SetStatus(ps Patches) error {
	for i := range fs {
		f := &fs[i]
		if !f.Supported || f.Disabled {
			f.Status = false
			continue
		}
		f.Status = true
		for _, code := range f.DependPatches {
			_, pat, err := ps.FindByPattern(code)
			if err != nil {
				return err
			}
			f.Status = f.Status && pat.Patched
		}
	}
	return nil
}

// CheckDepends returns an error if any of the features is not on.
func (fs Features) CheckDepends(codes []string) error {
	for _, code := range codes {
		f, err := fs.Get(code)
		if err != nil {
			return err
		}
		if !f.Status {
			return configErr("Patch", f.DisplayName(), ErrDependFeatureDisabled)
		}
	}
	return nil
}

// TakeHead removes and returns the head features.
func (fs *Features) TakeHead() Features {
	var head, rest Features
	for _, f := range *fs {
		if f.InHead {
			head = append(head, f)
		} else {
			rest = append(rest, f)
		}
	}
	*fs = rest
	return head
}

// Retain keeps the features shown for the main program or for co-existing
// copies.
func (fs *Features) Retain(ismain bool) {
	var kept Features
	for _, f := range *fs {
		if (ismain && f.InMain) || (!ismain && f.InCoexist) {
			kept = append(kept, f)
		}
	}
	*fs = kept
}

// Merge adds the features of o whose code is not present yet.
func (fs *Features) Merge(o Features) {
	for _, f := range o {
		if _, err := fs.Get(f.Code); err == nil {
			continue
		}
		*fs = append(*fs, f)
	}
	fs.Sort()
}

// Sort sorts the features by index.
func (fs Features) Sort() {
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Index < fs[j].Index
	})
}

func (f Feature) clone() Feature {
	f.DependPatches = cloneStrings(f.DependPatches)
	f.DependFeatures = cloneStrings(f.DependFeatures)
	f.MutexFeatures = cloneStrings(f.MutexFeatures)
	f.SyncCloseFeatures = cloneStrings(f.SyncCloseFeatures)
	return f
}

func (fs Features) clone() Features {
	if fs == nil {
		return nil
	}
	c := make(Features, len(fs))
	for i, f := range fs {
		c[i] = f.clone()
	}
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
