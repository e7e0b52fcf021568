// Command pedump dumps the sections, version and pattern matches of a PE
// image, for writing rule configurations.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/rulepatch/rulepatch/patchlib"
	"github.com/spf13/pflag"
)

var version = "unknown"

type hit struct {
	Offset string `json:"offset"`
	RVA    string `json:"rva,omitempty"`
	Bytes  string `json:"bytes"`
}

type dump struct {
	File     string             `json:"file"`
	Size     int                `json:"size"`
	Version  string             `json:"version,omitempty"`
	Sections []patchlib.Section `json:"sections"`
	Patterns map[string][]hit   `json:"patterns,omitempty"`
}

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	patterns := pflag.StringArrayP("pattern", "p", nil, "a hex pattern to search for, ?? is a wildcard (can be repeated)")
	limit := pflag.IntP("limit", "n", 16, "the maximum number of matches to show per pattern")
	output := pflag.StringP("output", "o", "", "write the dump to a file instead of stdout")
	verbose := pflag.BoolP("verbose", "v", false, "show verbose output from patchlib")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: pedump [OPTIONS] PE_FILE\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	log := logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "pedump"))
	if *verbose {
		patchlib.Log = func(format string, a ...interface{}) {
			log.Debugln(fmt.Sprintf(format, a...))
		}
	}

	fn := pflag.Arg(0)
	p, err := patchlib.Open(fn, "", false)
	if err != nil {
		errexit("Error: could not open %s: %v\n", fn, err)
	}
	defer p.Close()

	d, err := dumpPE(p, *patterns, *limit)
	if err != nil {
		errexit("Error: could not dump %s: %v\n", fn, err)
	}
	log.Infoln("found", len(d.Sections), "sections in", fn)
	if d.Version == "" {
		log.Infoln("no version resource in", fn)
	}
	for pat, hits := range d.Patterns {
		log.Infoln("pattern", pat, "matched", len(hits), "times")
	}

	buf, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		errexit("Error: could not encode dump: %v\n", err)
	}
	buf = append(buf, '\n')

	if *output == "" {
		os.Stdout.Write(buf)
		return
	}
	if err := os.WriteFile(*output, buf, 0644); err != nil {
		errexit("Error: could not write output file: %v\n", err)
	}
	log.Infoln("wrote", *output)
}

// dumpPE collects the information about an image. Missing version resources
// are not an error.
func dumpPE(p *patchlib.Patcher, patterns []string, limit int) (*dump, error) {
	sm, err := p.Sections()
	if err != nil {
		return nil, err
	}
	d := &dump{
		File:     p.File(),
		Size:     p.Len(),
		Sections: sm.Sections(),
	}
	if v, err := patchlib.FileVersion(p.GetBytes()); err == nil {
		d.Version = v
	}
	if len(patterns) != 0 {
		d.Patterns = map[string][]hit{}
	}
	for _, pat := range patterns {
		cp, err := patchlib.CompilePattern(pat)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		offs, err := cp.FindAll(p.GetBytes(), limit)
		switch {
		case errors.Is(err, patchlib.ErrNoMatch):
		case errors.Is(err, patchlib.ErrTooManyMatches):
			offs = offs[:limit]
		case err != nil:
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		hits := []hit{}
		for _, off := range offs {
			h := hit{Offset: fmt.Sprintf("%#x", off)}
			if rva, err := sm.RVA(uint64(off)); err == nil {
				h.RVA = fmt.Sprintf("%#x", rva)
			}
			if h.Bytes, err = p.ReadHex(off, cp.Len()); err != nil {
				return nil, err
			}
			hits = append(hits, h)
		}
		d.Patterns[pat] = hits
	}
	return d, nil
}
