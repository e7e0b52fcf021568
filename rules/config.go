package rules

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is a set of rules, as distributed in a payload. Files holds the
// instances found for each rule.
type Config struct {
	Version     Version     `yaml:"version"`
	Name        string      `yaml:"name,omitempty"`
	Description string      `yaml:"description,omitempty"`
	Disabled    bool        `yaml:"disabled,omitempty"`
	Supported   bool        `yaml:"supported,omitempty"`
	Rules       Rules       `yaml:"rules"`
	Files       []FileRules `yaml:"files,omitempty"`
}

// FileRules are the instances of the rule Code.
type FileRules struct {
	Code  string `yaml:"code"`
	Rules Rules  `yaml:"rules"`
}

// ParseConfig parses a yaml config. Unknown fields are an error.
func ParseConfig(buf []byte) (*Config, error) {
	var c Config
	if err := decodeStrict(buf, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// decodeStrict decodes a yaml document into v, rejecting unknown fields. An
// empty document leaves v untouched.
func decodeStrict(buf []byte, v interface{}) error {
	var n yaml.Node
	if err := yaml.Unmarshal(buf, &n); err != nil {
		return err
	}
	if n.Kind == 0 {
		return nil
	}
	return n.DecodeStrict(v)
}

// Validate checks that rule codes are present and unique.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, r := range c.Rules {
		if r == nil {
			return configErr("Validate", "", fmt.Errorf("%w: rule", ErrFieldMissing))
		}
		if r.Code == "" {
			return configErr("Validate", r.Name, fmt.Errorf("%w: code", ErrFieldMissing))
		}
		if seen[r.Code] {
			return configErr("Validate", r.Code, errors.New("duplicate rule"))
		}
		seen[r.Code] = true
	}
	return nil
}

// FileRules returns the instances of a rule, creating the entry if needed.
func (c *Config) FileRules(code string) *FileRules {
	for i := range c.Files {
		if c.Files[i].Code == code {
			return &c.Files[i]
		}
	}
	c.Files = append(c.Files, FileRules{Code: code})
	return &c.Files[len(c.Files)-1]
}

// Instance returns instance num of a rule.
func (c *Config) Instance(code string, num int) (*Rule, error) {
	for i := range c.Files {
		if c.Files[i].Code == code {
			return c.Files[i].Rules.Get(strconv.Itoa(num))
		}
	}
	return nil, configErr("Instance", code, ErrRuleNotFound)
}

// Rules is a list of rules.
type Rules []*Rule

// Get returns the rule with the specified code.
func (rs Rules) Get(code string) (*Rule, error) {
	for _, r := range rs {
		if r.Code == code {
			return r, nil
		}
	}
	return nil, configErr("Rules", code, ErrRuleNotFound)
}

// Put replaces the rule with the same index, or adds it, keeping the rules
// sorted by index.
func (rs *Rules) Put(r *Rule) {
	for i, x := range *rs {
		if x.Index == r.Index {
			(*rs)[i] = r
			return
		}
	}
	*rs = append(*rs, r)
	sort.SliceStable(*rs, func(i, j int) bool {
		return (*rs)[i].Index < (*rs)[j].Index
	})
}

// Remove removes the rule with the specified index.
func (rs *Rules) Remove(index int) {
	kept := (*rs)[:0]
	for _, r := range *rs {
		if r.Index != index {
			kept = append(kept, r)
		}
	}
	*rs = kept
}
