// Package archive implements the Assemble stage: a from-scratch writer for
// the host interpreter's self-executing archive format (stub, manifest,
// concatenated entry data, signature trailer), grounded on the fixed-offset
// struct-packing style of the teacher stack's PSPFIndex.Pack/Unpack
// (SPEC_FULL.md §4.6, §10.3).
package archive

import "github.com/boxbuild/box/internal/compress"

// ManifestVersion is written into every manifest header produced by this
// package.
const ManifestVersion uint32 = 1

// TrailerMagic is the fixed marker closing every archive this package
// writes (SPEC_FULL.md §6).
const TrailerMagic = "GBMB"

// EntryRecord is one row of the manifest's entry table.
type EntryRecord struct {
	BundlePath       string
	UncompressedSize uint64
	ModTime          int64 // unix seconds
	CompressedSize   uint64
	CRC32            uint32
	Flags            compress.Algorithm
	Offset           uint64 // offset into the entry-data region
}

// Manifest is the table-of-contents written between the stub and the entry
// data.
type Manifest struct {
	Version  uint32
	Alias    string
	Metadata []byte // nil when absent
	Entries  []EntryRecord
}
