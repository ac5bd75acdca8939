package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/boxbuild/box/internal/compress"
	"github.com/boxbuild/box/internal/errs"
	"github.com/boxbuild/box/internal/sign"
	"github.com/boxbuild/box/internal/source"
)

// emptyBundleEntry is written when zero entries were added by Assemble, so
// the archive is still a valid container (SPEC_FULL.md §4.6).
const emptyBundleEntry = ".box_empty"

// Writer assembles one archive: it accumulates entries into a scratch file
// (so no single large file is ever held fully in memory), applies
// compression in place, then serializes stub + manifest + entry data and
// signs the result, writing the final bytes to tmpPath.
type Writer struct {
	fs      afero.Fs
	tmpPath string

	stub     []byte
	alias    string
	metadata []byte

	entries   []EntryRecord
	seen      map[string]bool
	rawData   afero.File
	rawName   string
	rawOffset uint64

	closed bool
}

// Open creates a new Writer backed by fs (the OS filesystem if nil),
// targeting tmpPath as the eventual archive location.
func Open(fs afero.Fs, tmpPath string) (*Writer, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	scratch, err := afero.TempFile(fs, "", "box-entries-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating entry scratch file: %v", errs.ErrArchiveIOError, err)
	}
	return &Writer{
		fs:      fs,
		tmpPath: tmpPath,
		seen:    map[string]bool{},
		rawData: scratch,
		rawName: scratch.Name(),
	}, nil
}

// SetStub sets the leading stub. stub must end with HaltCompilerTerminator.
func (w *Writer) SetStub(stub []byte) error {
	if err := ValidateStub(stub); err != nil {
		return err
	}
	w.stub = stub
	return nil
}

// SetAlias stores the archive alias in the manifest header.
func (w *Writer) SetAlias(alias string) { w.alias = alias }

// SetMetadata serializes v into the manifest header. A nil v (or a v that
// marshals to the JSON literal null) is stored as absent, not empty-string.
func (w *Writer) SetMetadata(v any) error {
	if v == nil {
		w.metadata = nil
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", errs.ErrConfigInvalid, err)
	}
	if string(data) == "null" {
		w.metadata = nil
		return nil
	}
	w.metadata = data
	return nil
}

// AddFromString appends an entry whose contents are already in memory.
func (w *Writer) AddFromString(bundlePath string, data []byte) error {
	return w.addEntry(bundlePath, bytes.NewReader(data), int64(len(data)), time.Now())
}

// AddFromFile streams localPath's contents into the archive without
// loading the whole file into memory (SPEC_FULL.md §4.6, invariant 8).
func (w *Writer) AddFromFile(bundlePath, localPath string) error {
	f, err := w.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrArchiveIOError, localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrArchiveIOError, localPath, err)
	}
	return w.addEntry(bundlePath, f, info.Size(), info.ModTime())
}

func (w *Writer) addEntry(bundlePath string, r io.Reader, size int64, modTime time.Time) error {
	if w.closed {
		return fmt.Errorf("%w: writer already closed", errs.ErrArchiveIOError)
	}
	if raw := os.Getenv("SOURCE_DATE_EPOCH"); raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			modTime = time.Unix(sec, 0)
		}
	}

	normalized, err := source.Normalize(bundlePath)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if w.seen[normalized] {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateEntry, normalized)
	}

	crc := crc32.NewIEEE()
	written, err := io.Copy(io.MultiWriter(w.rawData, crc), r)
	if err != nil {
		return fmt.Errorf("%w: writing entry %s: %v", errs.ErrArchiveIOError, normalized, err)
	}

	w.entries = append(w.entries, EntryRecord{
		BundlePath:       normalized,
		UncompressedSize: uint64(written),
		ModTime:          modTime.Unix(),
		CompressedSize:   uint64(written),
		CRC32:            crc.Sum32(),
		Flags:            compress.None,
		Offset:           w.rawOffset,
	})
	_ = size // size is informational; the copy's actual byte count is authoritative
	w.rawOffset += uint64(written)
	w.seen[normalized] = true
	return nil
}

// Entries returns a read-only snapshot of the entries added so far.
func (w *Writer) Entries() []EntryRecord {
	out := make([]EntryRecord, len(w.entries))
	copy(out, w.entries)
	return out
}

// ApplyCompression runs the Compress stage: every entry's raw bytes are
// recompressed through algorithm and the entry table's CompressedSize,
// Flags, and Offset are updated in place. Returns the codec's report
// warning, if any. NONE is a no-op.
func (w *Writer) ApplyCompression(algorithm compress.Algorithm) (string, error) {
	if algorithm == compress.None || len(w.entries) == 0 {
		return "", nil
	}
	codec, ok := compress.Get(algorithm)
	if !ok {
		return "", fmt.Errorf("%w: unsupported compression algorithm %d", errs.ErrConfigInvalid, algorithm)
	}

	compressed, err := afero.TempFile(w.fs, "", "box-compressed-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}

	var newOffset uint64
	for i := range w.entries {
		e := &w.entries[i]
		if _, err := w.rawData.Seek(int64(e.Offset), io.SeekStart); err != nil {
			return "", fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
		}
		limited := io.LimitReader(w.rawData, int64(e.UncompressedSize))

		if err := codec.Compress(compressed, limited); err != nil {
			return "", fmt.Errorf("%w: compressing %s: %v", errs.ErrArchiveIOError, e.BundlePath, err)
		}
		end, err := compressed.Seek(0, io.SeekCurrent)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
		}

		e.CompressedSize = uint64(end) - newOffset
		e.Flags = algorithm
		e.Offset = newOffset
		newOffset += e.CompressedSize
	}

	oldName := w.rawName
	w.rawData.Close()
	w.fs.Remove(oldName)

	w.rawData = compressed
	w.rawName = compressed.Name()
	w.rawOffset = newOffset

	return codec.Warning(), nil
}

// CloseOptions configures the final serialize-and-sign step.
type CloseOptions struct {
	Algorithm sign.Algorithm
	KeyOpts   sign.KeyOptions
}

// Close applies the empty-bundle rule, writes manifest + entry data to
// tmpPath, computes the signature over everything written so far, appends
// the signature trailer, and releases the scratch file. It does not rename
// tmpPath to its final location; that is Finalize's job.
func (w *Writer) Close(opts CloseOptions) (*sign.Signature, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: writer already closed", errs.ErrArchiveIOError)
	}
	defer func() {
		w.closed = true
		w.rawData.Close()
		w.fs.Remove(w.rawName)
	}()

	if len(w.entries) == 0 {
		if err := w.addEntry(emptyBundleEntry, bytes.NewReader(nil), 0, time.Now()); err != nil {
			return nil, err
		}
	}

	manifest := Manifest{Version: ManifestVersion, Alias: w.alias, Metadata: w.metadata, Entries: w.entries}
	manifestBytes, err := manifest.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: packing manifest: %v", errs.ErrArchiveIOError, err)
	}

	final, err := w.fs.Create(w.tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", errs.ErrArchiveIOError, w.tmpPath, err)
	}
	defer final.Close()

	if _, err := final.Write(w.stub); err != nil {
		return nil, fmt.Errorf("%w: writing stub: %v", errs.ErrArchiveIOError, err)
	}
	if _, err := final.Write(manifestBytes); err != nil {
		return nil, fmt.Errorf("%w: writing manifest: %v", errs.ErrArchiveIOError, err)
	}
	if _, err := w.rawData.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if _, err := io.Copy(final, w.rawData); err != nil {
		return nil, fmt.Errorf("%w: writing entry data: %v", errs.ErrArchiveIOError, err)
	}

	dataLen, err := final.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if _, err := final.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}

	signature, err := sign.Sign(opts.Algorithm, io.LimitReader(final, dataLen), opts.KeyOpts)
	if err != nil {
		return nil, err
	}

	if _, err := final.Seek(dataLen, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if err := writeTrailer(final, signature); err != nil {
		return nil, err
	}

	return signature, nil
}

func writeTrailer(w io.Writer, sig *sign.Signature) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(sig.Algorithm)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(sig.Bytes))); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if _, err := w.Write(sig.Bytes); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	if _, err := w.Write([]byte(TrailerMagic)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrArchiveIOError, err)
	}
	return nil
}
