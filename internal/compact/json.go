package compact

import (
	"bytes"
	"encoding/json"
	"path/filepath"
)

// jsonCompactor minifies JSON files by round-tripping through json.Compact,
// which preserves element order and drops insignificant whitespace.
type jsonCompactor struct{}

func init() { Register(jsonCompactor{}) }

func (jsonCompactor) Name() string { return "json" }

func (jsonCompactor) Supports(bundlePath string) bool {
	return filepath.Ext(bundlePath) == ".json"
}

func (jsonCompactor) Compact(contents []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, contents); err != nil {
		// Not valid JSON: leave contents untouched rather than failing the
		// whole build over a malformed fixture file.
		return contents, nil
	}
	return buf.Bytes(), nil
}
