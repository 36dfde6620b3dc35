package config

import (
	"fmt"
	"regexp"
	"sort"
)

// PatternTable holds the named regular expressions loaded from the static
// pattern document. Compiled once at startup and read-only for the process
// lifetime.
type PatternTable struct {
	patterns map[string]*regexp.Regexp
}

// NewPatternTable compiles a raw name -> expression mapping
func NewPatternTable(raw map[string]string) (*PatternTable, error) {
	compiled := make(map[string]*regexp.Regexp, len(raw))
	for name, expr := range raw {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", name, err)
		}
		compiled[name] = re
	}
	return &PatternTable{patterns: compiled}, nil
}

// Get returns the compiled pattern for a name
func (t *PatternTable) Get(name string) (*regexp.Regexp, bool) {
	re, ok := t.patterns[name]
	return re, ok
}

// Match reports whether the named pattern matches the input. An unknown
// pattern name never matches.
func (t *PatternTable) Match(name, input string) bool {
	re, ok := t.patterns[name]
	if !ok {
		return false
	}
	return re.MatchString(input)
}

// Names returns the sorted pattern names
func (t *PatternTable) Names() []string {
	names := make([]string, 0, len(t.patterns))
	for name := range t.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of patterns in the table
func (t *PatternTable) Len() int {
	return len(t.patterns)
}
