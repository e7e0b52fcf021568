package rules

// Views are the flattened forms of rules returned to callers. They never
// contain the patterns, addresses or file paths.

// InitView is a rule as loaded.
type InitView struct {
	Code        string `yaml:"code"`
	Index       int    `yaml:"index"`
	Version     string `yaml:"version"`
	Name        string `yaml:"name"`
	News        string `yaml:"news,omitempty"`
	Description string `yaml:"description,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty"`
	Supported   bool   `yaml:"supported,omitempty"`
	State       State  `yaml:"rtype"`
}

// NewInitView returns the view of an unresolved rule.
func NewInitView(r *Rule) (InitView, error) {
	if err := r.expect("InitView", StateConfig); err != nil {
		return InitView{}, err
	}
	return InitView{
		Code:        r.Code,
		Index:       r.Index,
		Version:     r.Version,
		Name:        r.DisplayName(),
		News:        r.News,
		Description: r.Description,
		Disabled:    r.Disabled,
		Supported:   r.Supported,
		State:       r.State,
	}, nil
}

// NewInitViews returns the views of every rule of a config.
func NewInitViews(c *Config) ([]InitView, error) {
	views := make([]InitView, 0, len(c.Rules))
	for _, r := range c.Rules {
		v, err := NewInitView(r)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// PathView is a rule after resolving its install location.
type PathView struct {
	HFeatures       []FeatureView `yaml:"hfeatures,omitempty"`
	Installed       bool          `yaml:"installed,omitempty"`
	InstallLocation string        `yaml:"install_location,omitempty"`
	InstallVersion  string        `yaml:"install_version,omitempty"`
	State           State         `yaml:"rtype"`
}

func NewPathView(r *Rule) PathView {
	loc, _ := r.Variables.InstallLocation()
	ver, _ := r.Variables.InstallVersion()
	return PathView{
		HFeatures:       NewFeatureViews(r.HFeatures),
		Installed:       r.Installed,
		InstallLocation: loc,
		InstallVersion:  ver,
		State:           r.State,
	}
}

// AddressView is a rule after searching.
type AddressView struct {
	Supported bool  `yaml:"supported,omitempty"`
	Patched   bool  `yaml:"patched,omitempty"`
	State     State `yaml:"rtype"`
}

func NewAddressView(r *Rule) AddressView {
	return AddressView{
		Supported: r.Supported,
		Patched:   r.Patched,
		State:     r.State,
	}
}

// FeatureView is a feature without its pattern dependencies.
type FeatureView struct {
	Code              string     `yaml:"code"`
	Index             int        `yaml:"index"`
	Name              string     `yaml:"name,omitempty"`
	Method            string     `yaml:"method,omitempty"`
	Icon              string     `yaml:"icon,omitempty"`
	Description       string     `yaml:"description,omitempty"`
	DetailDesc        string     `yaml:"detaildesc,omitempty"`
	ButtonType        ButtonType `yaml:"bntype,omitempty"`
	Severity          string     `yaml:"severity,omitempty"`
	Tips              string     `yaml:"tips,omitempty"`
	Disabled          bool       `yaml:"disabled,omitempty"`
	Supported         bool       `yaml:"supported,omitempty"`
	Target            string     `yaml:"target,omitempty"`
	Selected          bool       `yaml:"selected,omitempty"`
	Status            bool       `yaml:"status,omitempty"`
	TDelay            int        `yaml:"tdelay,omitempty"`
	DependFeatures    []string   `yaml:"dependfeatures,omitempty"`
	MutexFeatures     []string   `yaml:"mutexfeatures,omitempty"`
	SyncCloseFeatures []string   `yaml:"syncclosefeatures,omitempty"`
}

func NewFeatureViews(fs Features) []FeatureView {
	if len(fs) == 0 {
		return nil
	}
	views := make([]FeatureView, len(fs))
	for i, f := range fs {
		views[i] = FeatureView{
			Code:              f.Code,
			Index:             f.Index,
			Name:              f.Name,
			Method:            f.Method,
			Icon:              f.Icon,
			Description:       f.Description,
			DetailDesc:        f.DetailDesc,
			ButtonType:        f.ButtonType,
			Severity:          f.Severity,
			Tips:              f.Tips,
			Disabled:          f.Disabled,
			Supported:         f.Supported,
			Target:            f.Target,
			Selected:          f.Selected,
			Status:            f.Status,
			TDelay:            f.TDelay,
			DependFeatures:    cloneStrings(f.DependFeatures),
			MutexFeatures:     cloneStrings(f.MutexFeatures),
			SyncCloseFeatures: cloneStrings(f.SyncCloseFeatures),
		}
	}
	return views
}

// FileView is an instance.
type FileView struct {
	Name     string        `yaml:"name,omitempty"`
	IsMain   bool          `yaml:"ismain,omitempty"`
	Index    int           `yaml:"index"`
	Features []FeatureView `yaml:"features,omitempty"`
	State    State         `yaml:"rtype"`
}

func NewFileView(r *Rule) (FileView, error) {
	if err := r.expect("FileView", StateFileed); err != nil {
		return FileView{}, err
	}
	return FileView{
		Name:     r.Name,
		IsMain:   r.IsMain,
		Index:    r.Index,
		Features: NewFeatureViews(r.Features),
		State:    r.State,
	}, nil
}

// FilesView is the list of instances of a rule.
type FilesView []FileView

func NewFilesView(rs []*Rule) (FilesView, error) {
	views := make(FilesView, 0, len(rs))
	for _, r := range rs {
		v, err := NewFileView(r)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// FeaturesView is the codes of the patch features which are on.
type FeaturesView []string

func NewFeaturesView(fs Features) FeaturesView {
	views := FeaturesView{}
	for _, f := range fs {
		if f.Method == "patch" && f.Status {
			views = append(views, f.Code)
		}
	}
	return views
}

// OriginalView is the current bytes of a pattern, as read by ReadOriginal
// and written by ApplyExplicit.
type OriginalView struct {
	PatternCode string `yaml:"pattern"`
	PatternName string `yaml:"name,omitempty"`
	Original    string `yaml:"original"` // hex
	Offset      int    `yaml:"offset"`
	Len         int    `yaml:"len"`
}

type OriginalViews []OriginalView
