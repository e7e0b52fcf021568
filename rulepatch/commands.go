package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rulepatch/rulepatch/rules"
	"github.com/rulepatch/rulepatch/service"
	"gopkg.in/yaml.v3"
)

// command runs an operation on a loaded store and returns the view to print.
type command struct {
	usage string
	help  string
	nargs int
	// state is the state the rule is brought to before running.
	state rules.State
	run   func(ctx context.Context, s *service.Store, args []string) (interface{}, error)
}

var commands = map[string]command{
	"path": {
		usage: "RULE",
		help:  "find the install location and version of a program",
		nargs: 1,
		state: rules.StateConfig,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			return s.ResolvePath(args[0])
		},
	},
	"search": {
		usage: "RULE",
		help:  "locate the patterns of a program in its backup files",
		nargs: 1,
		state: rules.StatePathed,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			return s.Search(args[0])
		},
	},
	"walk": {
		usage: "RULE",
		help:  "list the main program and its co-existing copies",
		nargs: 1,
		state: rules.StateSearch,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			return s.WalkFiles(ctx, args[0])
		},
	},
	"patch": {
		usage: "RULE NUM FEATURE on|off",
		help:  "enable or disable a feature of an instance",
		nargs: 4,
		state: rules.StateFileed,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			num, err := parseNum(args[1])
			if err != nil {
				return nil, err
			}
			var enable bool
			switch args[3] {
			case "on", "true", "enable":
				enable = true
			case "off", "false", "disable":
			default:
				return nil, fmt.Errorf("expected on or off, got %q", args[3])
			}
			return s.Patch(args[0], num, args[2], enable)
		},
	},
	"coexist": {
		usage: "RULE NUM",
		help:  "create a co-existing copy of a program",
		nargs: 2,
		state: rules.StateSearch,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			num, err := parseNum(args[1])
			if err != nil {
				return nil, err
			}
			return s.MakeCoexist(args[0], num)
		},
	},
	"delete": {
		usage: "RULE NUM",
		help:  "delete a co-existing copy of a program",
		nargs: 2,
		state: rules.StateFileed,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			num, err := parseNum(args[1])
			if err != nil {
				return nil, err
			}
			return nil, s.DeleteCoexist(args[0], num)
		},
	},
	"read": {
		usage: "RULE NUM FEATURE",
		help:  "print the current bytes of the patterns of a feature",
		nargs: 3,
		state: rules.StateFileed,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			num, err := parseNum(args[1])
			if err != nil {
				return nil, err
			}
			return s.ReadOriginal(args[0], num, args[2])
		},
	},
	"apply": {
		usage: "RULE NUM FEATURE FILE",
		help:  "write the bytes from a file produced by read",
		nargs: 4,
		state: rules.StateFileed,
		run: func(ctx context.Context, s *service.Store, args []string) (interface{}, error) {
			num, err := parseNum(args[1])
			if err != nil {
				return nil, err
			}
			buf, err := os.ReadFile(args[3])
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", args[3], err)
			}
			var views rules.OriginalViews
			if err := yaml.Unmarshal(buf, &views); err != nil {
				return nil, fmt.Errorf("parse %s: %w", args[3], err)
			}
			if err := s.ApplyExplicit(args[0], num, args[2], views); err != nil {
				return nil, err
			}
			return s.ReadOriginal(args[0], num, args[2])
		},
	},
}

func parseNum(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= rules.SearchInstance {
		return 0, fmt.Errorf("instance number must be between 0 and %d, got %q", rules.SearchInstance-1, s)
	}
	return n, nil
}

// prepare brings a rule from its loaded state to state.
func prepare(ctx context.Context, s *service.Store, code string, state rules.State) error {
	if state >= rules.StatePathed {
		if _, err := s.ResolvePath(code); err != nil {
			return err
		}
	}
	if state >= rules.StateSearch {
		if _, err := s.Search(code); err != nil {
			return err
		}
	}
	if state >= rules.StateFileed {
		if _, err := s.WalkFiles(ctx, code); err != nil {
			return err
		}
	}
	return nil
}

// runCommand runs a command and returns its view.
func runCommand(ctx context.Context, s *service.Store, name string, args []string) (interface{}, error) {
	c, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if len(args) != c.nargs {
		return nil, fmt.Errorf("usage: %s %s", name, c.usage)
	}
	if err := prepare(ctx, s, args[0], c.state); err != nil {
		return nil, err
	}
	return c.run(ctx, s, args)
}

func commandHelp() string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("  list                                 list the rules in the payload\n")
	for _, n := range names {
		c := commands[n]
		fmt.Fprintf(&b, "  %-36s %s\n", n+" "+c.usage, c.help)
	}
	return b.String()
}
