package compress

import (
	"compress/gzip"
	"io"
)

// gzipCodec uses the standard library's DEFLATE implementation at the
// default compression level, grounded on the teacher stack's GzipOperation.
type gzipCodec struct{}

func init() { Register(gzipCodec{}) }

func (gzipCodec) Algorithm() Algorithm { return GZ }

func (gzipCodec) Compress(dst io.Writer, src io.Reader) error {
	w := gzip.NewWriter(dst)
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (gzipCodec) Decompress(dst io.Writer, src io.Reader) error {
	r, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return err
}

func (gzipCodec) Warning() string {
	return `the extension "zlib" will now be required to run the bundle`
}
