package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/boxbuild/box/internal/compress"
)

// Pack serializes m with fixed-width little-endian fields and explicit
// length-prefixed variable fields, following the same plain Pack-method
// discipline the teacher stack uses for its own binary index rather than a
// reflection-based codec.
func (m Manifest) Pack() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, m.Version); err != nil {
		return nil, err
	}
	if err := writeBytes32(&buf, []byte(m.Alias)); err != nil {
		return nil, err
	}
	if err := writeBytes32(&buf, m.Metadata); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m.Entries))); err != nil {
		return nil, err
	}

	for _, e := range m.Entries {
		if err := writeBytes16(&buf, []byte(e.BundlePath)); err != nil {
			return nil, err
		}
		fields := []any{e.UncompressedSize, e.ModTime, e.CompressedSize, e.CRC32, uint8(e.Flags), e.Offset}
		for _, f := range fields {
			if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// UnpackManifest reverses Pack. Used by tests to assert round-trip fidelity;
// the builder itself never needs to read a manifest back (verification and
// extraction are external collaborators per SPEC_FULL.md §1).
func UnpackManifest(data []byte) (*Manifest, error) {
	r := bytes.NewReader(data)
	m := &Manifest{}

	if err := binary.Read(r, binary.LittleEndian, &m.Version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	alias, err := readBytes32(r)
	if err != nil {
		return nil, fmt.Errorf("reading alias: %w", err)
	}
	m.Alias = string(alias)

	metadata, err := readBytes32(r)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	m.Metadata = metadata

	var entryCount uint32
	if err := binary.Read(r, binary.LittleEndian, &entryCount); err != nil {
		return nil, fmt.Errorf("reading entry count: %w", err)
	}

	m.Entries = make([]EntryRecord, entryCount)
	for i := range m.Entries {
		bp, err := readBytes16(r)
		if err != nil {
			return nil, fmt.Errorf("reading entry %d bundle path: %w", i, err)
		}
		e := EntryRecord{BundlePath: string(bp)}

		if err := binary.Read(r, binary.LittleEndian, &e.UncompressedSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.ModTime); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.CompressedSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.CRC32); err != nil {
			return nil, err
		}
		var flags uint8
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return nil, err
		}
		e.Flags = compress.Algorithm(flags)
		if err := binary.Read(r, binary.LittleEndian, &e.Offset); err != nil {
			return nil, err
		}

		m.Entries[i] = e
	}

	return m, nil
}

func writeBytes32(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeBytes16(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes32(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readBytes16(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
