package compress

import (
	"io"

	"github.com/dsnet/compress/bzip2"
)

// bzip2Codec uses dsnet/compress, the only library in the retrieved pack
// that offers a BZ2 *writer* (the standard library only reads BZ2),
// grounded on the teacher stack's Bzip2Operation.
type bzip2Codec struct{}

func init() { Register(bzip2Codec{}) }

func (bzip2Codec) Algorithm() Algorithm { return BZ2 }

func (bzip2Codec) Compress(dst io.Writer, src io.Reader) error {
	w, err := bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: 9})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (bzip2Codec) Decompress(dst io.Writer, src io.Reader) error {
	r, err := bzip2.NewReader(src, &bzip2.ReaderConfig{})
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return err
}

func (bzip2Codec) Warning() string {
	return `the extension "bz2" will now be required to run the bundle`
}
