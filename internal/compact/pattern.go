package compact

import (
	"bytes"
	"strings"
)

// PatternCompactor is a generic compactor parameterized by file-name
// suffixes and a list of (pattern, replacement) byte substitutions, for
// simple cases that don't need a dedicated language-aware compactor.
type PatternCompactor struct {
	Suffixes     []string
	Replacements [][2][]byte
}

// NewPatternCompactor registers a PatternCompactor under name.
func NewPatternCompactor(name string, suffixes []string, replacements [][2][]byte) Compactor {
	c := &namedPatternCompactor{
		name:       name,
		compactor:  PatternCompactor{Suffixes: suffixes, Replacements: replacements},
	}
	Register(c)
	return c
}

type namedPatternCompactor struct {
	name      string
	compactor PatternCompactor
}

func (n *namedPatternCompactor) Name() string { return n.name }

func (n *namedPatternCompactor) Supports(bundlePath string) bool {
	for _, s := range n.compactor.Suffixes {
		if strings.HasSuffix(bundlePath, s) {
			return true
		}
	}
	return false
}

func (n *namedPatternCompactor) Compact(contents []byte) ([]byte, error) {
	out := contents
	for _, rep := range n.compactor.Replacements {
		out = bytes.ReplaceAll(out, rep[0], rep[1])
	}
	return out, nil
}
