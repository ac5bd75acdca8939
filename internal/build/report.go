package build

import "time"

// Report is the first-class result of a build: the pipeline's answer to
// "what did you actually do", surfaced to the CLI and to callers embedding
// this package directly (SPEC_FULL.md §11).
type Report struct {
	OutputPath      string
	FileCount       int
	CompressedSize  int64
	UncompressedSize int64
	Duration        time.Duration
	Warnings        []string
	Recommendations []string
	SigningAlgorithm string
	Compression      string

	// PeakMemoryBytes is the highest resident set size observed in this
	// process across the run, sampled via gopsutil (SPEC_FULL.md §4.9, §6).
	PeakMemoryBytes uint64
}
