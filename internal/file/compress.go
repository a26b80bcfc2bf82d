package file

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// Compression levels used by the two archive formats.
const (
	// OuterLevel is used for PKG entries.
	OuterLevel = zlib.BestCompression

	// InnerLevel is used for PYZ entries.
	InnerLevel = 6
)

// Deflate streams src into dst as one complete zlib stream.
//
// The compressor is closed before Deflate returns, so every entry written
// this way decodes on its own without reading past its boundary. It returns
// the number of uncompressed bytes consumed from src.
func Deflate(ctx context.Context, dst io.Writer, src io.Reader, level int, buf []byte) (int64, error) {
	zw, err := zlib.NewWriterLevel(dst, level)
	if err != nil {
		return 0, fmt.Errorf("create zlib writer: %w", err)
	}
	n, err := CopyWithContext(ctx, zw, src, buf)
	if err != nil {
		_ = zw.Close()
		return n, err
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("flush zlib writer: %w", err)
	}
	return n, nil
}

// DeflateBytes compresses data into a new zlib stream.
func DeflateBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate returns a reader that decompresses the zlib stream in r.
// Read errors other than io.EOF are reported as ErrDecompression.
func Inflate(r io.Reader) (io.ReadCloser, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDecompression, err)
	}
	return &inflateReader{zr: zr}, nil
}

// InflateBytes decompresses a whole zlib stream.
func InflateBytes(data []byte) ([]byte, error) {
	zr, err := Inflate(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

type inflateReader struct {
	zr io.ReadCloser
}

func (r *inflateReader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", errdefs.ErrDecompression, err)
	}
	return n, err
}

func (r *inflateReader) Close() error {
	return r.zr.Close()
}
