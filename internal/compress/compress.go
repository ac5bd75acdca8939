// Package compress implements the Compress stage: a registry of per-entry
// compression codecs selected by config.CompressionAlgorithm, the same
// polymorphic-capability pattern the Compact stage uses (SPEC_FULL.md §4.7,
// §9), grounded on the teacher stack's Operation registry.
package compress

import "io"

// Algorithm is the entry-flag tag stored in the manifest.
type Algorithm uint8

const (
	None Algorithm = 0
	GZ   Algorithm = 1
	BZ2  Algorithm = 2
)

// Codec compresses and decompresses entry bytes for one Algorithm.
type Codec interface {
	Algorithm() Algorithm
	// Compress writes the compressed form of src to dst.
	Compress(dst io.Writer, src io.Reader) error
	// Decompress writes the decompressed form of src to dst.
	Decompress(dst io.Writer, src io.Reader) error
	// Warning is the report-facing note emitted when this codec is used
	// (SPEC_FULL.md §4.7: "the target host must have the matching
	// decompression extension loaded at runtime").
	Warning() string
}

var registry = map[Algorithm]Codec{}

// Register adds c to the registry, keyed by c.Algorithm().
func Register(c Codec) {
	registry[c.Algorithm()] = c
}

// Get looks up a registered codec.
func Get(a Algorithm) (Codec, bool) {
	c, ok := registry[a]
	return c, ok
}

func init() {
	Register(noneCodec{})
}

type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm                        { return None }
func (noneCodec) Compress(dst io.Writer, src io.Reader) error { _, err := io.Copy(dst, src); return err }
func (noneCodec) Decompress(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}
func (noneCodec) Warning() string { return "" }
