// Package patchfile reads rule configurations from payloads in the
// supported formats.
package patchfile

import (
	"fmt"
	"os"
	"sort"

	"github.com/rulepatch/rulepatch/rules"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Format decodes a payload into the yaml of a rule configuration.
type Format func([]byte) ([]byte, error)

var formats = map[string]Format{}

// RegisterFormat registers a format.
func RegisterFormat(name string, f Format) {
	if _, ok := formats[name]; ok {
		panic("attempt to register duplicate format " + name)
	}
	formats[name] = f
}

// GetFormat gets a format.
func GetFormat(name string) (Format, bool) {
	f, ok := formats[name]
	return f, ok
}

// GetFormats gets all registered formats, sorted by name.
func GetFormats() []string {
	f := []string{}
	for n := range formats {
		f = append(f, n)
	}
	sort.Strings(f)
	return f
}

// Decode decodes a payload and parses the rule configuration in it.
func Decode(format string, buf []byte) (*rules.Config, error) {
	f, ok := GetFormat(format)
	if !ok {
		return nil, fmt.Errorf("no format called '%s'", format)
	}

	Log("decoding %d byte %s payload\n", len(buf), format)
	y, err := f(buf)
	if err != nil {
		return nil, fmt.Errorf("could not decode %s payload: %w", format, err)
	}

	cfg, err := rules.ParseConfig(y)
	if err != nil {
		return nil, fmt.Errorf("could not parse rules: %w", err)
	}
	Log("decoded config %#v (version %s) with %d rules\n", cfg.Name, cfg.Version, len(cfg.Rules))
	return cfg, nil
}

// ReadFromFile reads a rule configuration from a payload file.
func ReadFromFile(format, filename string) (*rules.Config, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open payload file: %w", err)
	}
	return Decode(format, buf)
}
