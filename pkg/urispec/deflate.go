package urispec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DeflateCompress zlib-wraps b: the zlib container format with its own
// 2-byte header and Adler-32 trailer, not raw DEFLATE, so decoded URIs
// from real raddata:// producers stay byte-compatible.
func DeflateCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeflateDecompress inverts DeflateCompress.
func DeflateDecompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
