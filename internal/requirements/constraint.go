package requirements

import (
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// simpleBoundPattern matches a single-operand version comparison such as
// ">=8.0" or "<8.4.0" — the only constraint shape this pass knows how to
// intersect. Composer's richer grammar (^8.0, ~8.1, comma ranges, ||) is
// left grouped under its own literal string, since intersecting it
// correctly needs the full composer constraint grammar (SPEC_FULL.md §4.5:
// "merge constraints by intersection where possible, string form kept if
// not normalizable").
var simpleBoundPattern = regexp.MustCompile(`^\s*(>=|<=|>|<)\s*([0-9]+(?:\.[0-9]+){0,2})\s*$`)

type bound struct {
	op      string
	version *semver.Version
	raw     string
}

// mergeConstraints groups per-constraint source lists, intersecting the
// simple lower/upper version bounds it recognizes into a single tightest
// constraint and leaving everything else keyed by its own literal string.
func mergeConstraints(bySource map[string][]string) map[string][]string {
	merged := make(map[string][]string, len(bySource))
	var lower, upper []bound

	for constraint, sources := range bySource {
		m := simpleBoundPattern.FindStringSubmatch(constraint)
		if m == nil {
			merged[constraint] = append(merged[constraint], sources...)
			continue
		}
		v, err := semver.NewVersion(m[2])
		if err != nil {
			merged[constraint] = append(merged[constraint], sources...)
			continue
		}
		b := bound{op: m[1], version: v, raw: constraint}
		if b.op == ">=" || b.op == ">" {
			lower = append(lower, b)
		} else {
			upper = append(upper, b)
		}
	}

	mergeBound := func(bounds []bound, tighter func(candidate, current bound) bool) {
		if len(bounds) == 0 {
			return
		}
		sort.Slice(bounds, func(i, j int) bool { return bounds[i].raw < bounds[j].raw })
		tightest := bounds[0]
		for _, b := range bounds[1:] {
			if tighter(b, tightest) {
				tightest = b
			}
		}
		for _, b := range bounds {
			merged[tightest.raw] = append(merged[tightest.raw], bySource[b.raw]...)
		}
	}

	mergeBound(lower, func(candidate, current bound) bool {
		if candidate.version.GreaterThan(current.version) {
			return true
		}
		return candidate.version.Equal(current.version) && candidate.op == ">" && current.op == ">="
	})
	mergeBound(upper, func(candidate, current bound) bool {
		if candidate.version.LessThan(current.version) {
			return true
		}
		return candidate.version.Equal(current.version) && candidate.op == "<" && current.op == "<="
	})

	return merged
}
