// Package compact implements the Compact stage: a registry of content
// transformers, each declaring which bundle paths it supports, applied in
// declared order. Modeled as a polymorphic capability set the way the
// teacher stack's operations package registers codec variants behind a
// common interface (SPEC_FULL.md §4.4, §9).
package compact

import "sort"

// Compactor is a deterministic, pure content transformer.
type Compactor interface {
	// Name identifies the compactor for box.json's `compactors` list.
	Name() string
	// Supports reports whether bundlePath should be passed through Compact.
	Supports(bundlePath string) bool
	// Compact transforms contents. Must be pure: Compact(Compact(x)) == Compact(x)
	// for every supported path.
	Compact(contents []byte) ([]byte, error)
}

var registry = map[string]Compactor{}

// Register adds c to the registry, keyed by c.Name(). Intended to be called
// from each compactor implementation's init().
func Register(c Compactor) {
	registry[c.Name()] = c
}

// Get looks up a registered compactor by name.
func Get(name string) (Compactor, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names returns every registered compactor name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Chain resolves an ordered list of compactor names into Compactor values,
// silently skipping any name not in the registry. Callers that need to
// reject unknown names outright should validate against Names() during
// ConfigResolve before reaching this stage.
func Chain(names []string) []Compactor {
	chain := make([]Compactor, 0, len(names))
	for _, n := range names {
		if c, ok := registry[n]; ok {
			chain = append(chain, c)
		}
	}
	return chain
}

// Apply runs contents through every compactor in chain that supports
// bundlePath, in order.
func Apply(chain []Compactor, bundlePath string, contents []byte) ([]byte, error) {
	for _, c := range chain {
		if !c.Supports(bundlePath) {
			continue
		}
		transformed, err := c.Compact(contents)
		if err != nil {
			return nil, err
		}
		contents = transformed
	}
	return contents, nil
}
