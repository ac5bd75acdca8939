package compact

import "bytes"

// placeholderCompactor substitutes `@key@` tokens in every file's contents
// with their configured values (box.json's `replacements`/`git-version`/
// `git-commit`/`git-tag`/`datetime` options, SPEC_FULL.md §6). Unlike the
// registry compactors it is config-dependent, so it isn't registered under a
// name in the global registry: the orchestrator constructs and prepends it
// to the resolved chain whenever replacements are configured.
type placeholderCompactor struct {
	tokens [][2][]byte
}

// NewPlaceholderCompactor builds a Compactor applying replacements, keyed by
// token name without the surrounding `@` delimiters.
func NewPlaceholderCompactor(replacements map[string]string) Compactor {
	c := &placeholderCompactor{}
	for k, v := range replacements {
		c.tokens = append(c.tokens, [2][]byte{[]byte("@" + k + "@"), []byte(v)})
	}
	return c
}

func (*placeholderCompactor) Name() string { return "placeholder" }

func (*placeholderCompactor) Supports(bundlePath string) bool { return true }

func (c *placeholderCompactor) Compact(contents []byte) ([]byte, error) {
	out := contents
	for _, tok := range c.tokens {
		out = bytes.ReplaceAll(out, tok[0], tok[1])
	}
	return out, nil
}
