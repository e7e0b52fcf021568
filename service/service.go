// Package service holds the loaded rule configuration and exposes the rule
// operations as serialized entry points returning views.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rulepatch/rulepatch/rules"
)

// Log is used to log trace output.
var Log = func(format string, a ...interface{}) {}

// ErrNotLoaded is returned by every entry point before a config is loaded.
var ErrNotLoaded = errors.New("no configuration loaded")

// Store owns a Config. Every entry point holds the lock for the whole
// operation, so operations on the files of a program never interleave.
type Store struct {
	mu  sync.Mutex
	cfg *rules.Config
}

// Default is the process-wide store.
var Default = New()

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// Load replaces the config and returns the views of its rules.
func (s *Store) Load(cfg *rules.Config) ([]rules.InitView, error) {
	if cfg == nil {
		return nil, fmt.Errorf("Load: %w", ErrNotLoaded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	views, err := rules.NewInitViews(cfg)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil {
		Log("replacing config %s (%s)\n", s.cfg.Name, s.cfg.Version)
	}
	s.cfg = cfg
	Log("loaded config %s (%s) with %d rules\n", cfg.Name, cfg.Version, len(cfg.Rules))
	return views, nil
}

// Loaded returns true if a config was loaded.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg != nil
}

// withConfig runs fn with the lock held.
func (s *Store) withConfig(op string, fn func(cfg *rules.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return fmt.Errorf("%s: %w", op, ErrNotLoaded)
	}
	return fn(s.cfg)
}

// withRule runs fn on the rule code with the lock held.
func (s *Store) withRule(op, code string, fn func(r *rules.Rule) error) error {
	return s.withConfig(op, func(cfg *rules.Config) error {
		r, err := cfg.Rules.Get(code)
		if err != nil {
			return err
		}
		return fn(r)
	})
}

// withInstance runs fn on instance num of the rule code with the lock held.
func (s *Store) withInstance(op, code string, num int, fn func(r *rules.Rule) error) error {
	return s.withConfig(op, func(cfg *rules.Config) error {
		r, err := cfg.Instance(code, num)
		if err != nil {
			return err
		}
		return fn(r)
	})
}

// ResolvePath finds where the program of a rule is installed.
func (s *Store) ResolvePath(code string) (v rules.PathView, err error) {
	err = s.withRule("ResolvePath", code, func(r *rules.Rule) error {
		if err := r.ResolvePath(); err != nil {
			return err
		}
		v = rules.NewPathView(r)
		return nil
	})
	return v, err
}

// Search locates the patterns of a rule.
func (s *Store) Search(code string) (v rules.AddressView, err error) {
	err = s.withRule("Search", code, func(r *rules.Rule) error {
		if err := r.SearchAddresses(); err != nil {
			return err
		}
		v = rules.NewAddressView(r)
		return nil
	})
	return v, err
}

// WalkFiles finds the main program and the co-existing copies of a rule and
// replaces the known instances with them. The instances found are returned
// even if some could not be built.
func (s *Store) WalkFiles(ctx context.Context, code string) (v rules.FilesView, err error) {
	err = s.withRule("WalkFiles", code, func(r *rules.Rule) error {
		insts, werr := r.WalkInstances(ctx)
		if werr != nil && len(insts) == 0 {
			return werr
		}
		s.cfg.FileRules(code).Rules = insts

		var verr error
		if v, verr = rules.NewFilesView(insts); verr != nil {
			return verr
		}
		return werr
	})
	return v, err
}

// Patch enables or disables a feature of an instance and returns the patch
// features which are on.
func (s *Store) Patch(code string, num int, fcode string, enable bool) (v rules.FeaturesView, err error) {
	Log("patch %s:%d %s (enable: %t)\n", code, num, fcode, enable)
	err = s.withInstance("Patch", code, num, func(r *rules.Rule) error {
		if err := r.Patch(fcode, enable, nil); err != nil {
			return err
		}
		v = rules.NewFeaturesView(r.Features)
		return nil
	})
	return v, err
}

// MakeCoexist creates co-existing copy num of a rule, replacing any instance
// with the same number.
func (s *Store) MakeCoexist(code string, num int) (v rules.FileView, err error) {
	err = s.withRule("MakeCoexist", code, func(r *rules.Rule) error {
		inst, err := r.BuildInstance(num)
		if err != nil {
			return err
		}
		if err := inst.CreateInstance(); err != nil {
			return err
		}
		if v, err = rules.NewFileView(inst); err != nil {
			return err
		}
		s.cfg.FileRules(code).Rules.Put(inst)
		return nil
	})
	return v, err
}

// DeleteCoexist removes co-existing copy num of a rule.
func (s *Store) DeleteCoexist(code string, num int) error {
	return s.withConfig("DeleteCoexist", func(cfg *rules.Config) error {
		r, err := cfg.Instance(code, num)
		if err != nil {
			return fmt.Errorf("%w: %d: %w", rules.ErrInvalidInstance, num, err)
		}
		if err := r.DeleteInstance(); err != nil {
			return err
		}
		cfg.FileRules(code).Rules.Remove(num)
		return nil
	})
}

// ReadOriginal returns the current bytes of the patterns of a feature.
func (s *Store) ReadOriginal(code string, num int, fcode string) (v rules.OriginalViews, err error) {
	err = s.withInstance("ReadOriginal", code, num, func(r *rules.Rule) error {
		var rerr error
		v, rerr = r.ReadOriginal(fcode)
		return rerr
	})
	return v, err
}

// ApplyExplicit writes caller supplied bytes to the patterns of a feature.
func (s *Store) ApplyExplicit(code string, num int, fcode string, views rules.OriginalViews) error {
	return s.withInstance("ApplyExplicit", code, num, func(r *rules.Rule) error {
		return r.ApplyExplicit(fcode, views)
	})
}
