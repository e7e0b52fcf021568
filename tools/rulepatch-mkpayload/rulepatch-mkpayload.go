// Command rulepatch-mkpayload converts a rule configuration into a zlib
// payload and checks that the payload decodes to the same rules.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/rulepatch/rulepatch/patchfile"
	"github.com/rulepatch/rulepatch/rules"
	"github.com/spf13/pflag"
)

var version = "unknown"

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	input := pflag.StringP("input", "i", "", "the rule configuration (required)")
	inputFormat := pflag.StringP("input-format", "f", "yaml", fmt.Sprintf("the format of the input (one of: %s)", strings.Join(patchfile.GetFormats(), ",")))
	output := pflag.StringP("output", "o", "", "the file to write the payload to (will be overwritten if exists) (required)")
	verbose := pflag.BoolP("verbose", "v", false, "show verbose output from patchfile")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: rulepatch-mkpayload [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if *input == "" || *output == "" {
		errexit("Error: input and output flags are required. See --help for more info.\n")
	}

	if *verbose {
		patchfile.Log = func(format string, a ...interface{}) {
			fmt.Printf(format, a...)
		}
	}

	buf, err := os.ReadFile(*input)
	if err != nil {
		errexit("Error: could not read input file: %v\n", err)
	}

	fmt.Printf("\nENCODING PAYLOAD:\n")
	payload, views, err := mkpayload(buf, *inputFormat)
	if err != nil {
		errexit("Error: %v\n", err)
	}
	fmt.Printf("--> SUCCESS (%d rules, %d bytes)\n", len(views), len(payload))

	if err := os.WriteFile(*output, payload, 0644); err != nil {
		errexit("Error: could not write output file: %v\n", err)
	}

	fmt.Printf("\nRULES:\n")
	for _, v := range views {
		fmt.Printf("  %-16s %s (%s)\n", v.Code, v.Name, v.Version)
	}
	os.Exit(0)
}

// mkpayload decodes a rule configuration, encodes its yaml as a zlib payload
// and decodes the payload again to check it.
func mkpayload(buf []byte, format string) ([]byte, []rules.InitView, error) {
	f, ok := patchfile.GetFormat(format)
	if !ok {
		return nil, nil, fmt.Errorf("invalid input format %s", format)
	}
	y, err := f(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode input: %w", err)
	}

	views, err := loadViews("yaml", y)
	if err != nil {
		return nil, nil, fmt.Errorf("could not load input: %w", err)
	}

	payload, err := patchfile.EncodeZlib(y)
	if err != nil {
		return nil, nil, fmt.Errorf("could not encode payload: %w", err)
	}

	check, err := loadViews("zlib", payload)
	if err != nil {
		return nil, nil, fmt.Errorf("internal error: could not load generated payload: %w", err)
	}
	if diff := cmp.Diff(views, check); diff != "" {
		return nil, nil, fmt.Errorf("internal error: generated payload differs (-input +payload):\n%s", diff)
	}
	return payload, views, nil
}

func loadViews(format string, buf []byte) ([]rules.InitView, error) {
	cfg, err := patchfile.Decode(format, buf)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return rules.NewInitViews(cfg)
}
