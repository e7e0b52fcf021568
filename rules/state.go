package rules

import "fmt"

// State is the lifecycle state of a Rule. Rules only move forward.
type State int

const (
	// StateConfig is a rule as loaded from the configuration.
	StateConfig State = iota
	// StatePathed has the install location and version, the substituted
	// variables and the resolved groups.
	StatePathed
	// StateSearch has the addresses located in the backup files.
	StateSearch
	// StateFileed is one main or co-existing instance, ready to patch.
	StateFileed
)

func (s State) String() string {
	switch s {
	case StateConfig:
		return "config"
	case StatePathed:
		return "pathed"
	case StateSearch:
		return "search"
	case StateFileed:
		return "fileed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for x := StateConfig; x <= StateFileed; x++ {
		if x.String() == string(b) {
			*s = x
			return nil
		}
	}
	return fmt.Errorf("unknown rule state %#v", string(b))
}

// expect returns ErrWrongRuleState if the rule is not in state s.
func (r *Rule) expect(op string, s State) error {
	if r.State != s {
		return configErr(op, r.DisplayName(), fmt.Errorf("%w: is %s, need %s", ErrWrongRuleState, r.State, s))
	}
	return nil
}
