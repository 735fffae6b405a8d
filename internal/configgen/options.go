package configgen

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options filters which types make it into generated configuration.
type Options struct {
	// IncludePrefixes keeps only types whose name starts with one of
	// these prefixes. Empty means keep everything.
	IncludePrefixes []string `yaml:"include_prefixes"`
	// ExcludePrefixes drops types matching any of these prefixes,
	// applied after includes.
	ExcludePrefixes []string `yaml:"exclude_prefixes"`
}

// DefaultOptions keeps every type.
func DefaultOptions() *Options {
	return &Options{}
}

// LoadOptions reads generator options from a YAML file. An empty path
// returns defaults; a missing file is an error (the caller asked for
// a specific file), and so is unknown YAML structure.
func LoadOptions(path string) (*Options, error) {
	if path == "" {
		return DefaultOptions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configgen: read options: %w", err)
	}
	opts := DefaultOptions()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("configgen: parse options: %w", err)
	}
	return opts, nil
}

// Keep reports whether a type name passes the filter.
func (o *Options) Keep(typeName string) bool {
	if len(o.IncludePrefixes) > 0 {
		included := false
		for _, p := range o.IncludePrefixes {
			if strings.HasPrefix(typeName, p) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, p := range o.ExcludePrefixes {
		if strings.HasPrefix(typeName, p) {
			return false
		}
	}
	return true
}
