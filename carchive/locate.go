package carchive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/meigma/pyrepack/internal/file"
)

// ChunkSize is the window of the backward magic scan.
const ChunkSize = 8192

// Locate returns the highest offset in the first size bytes of r at which
// pattern occurs.
//
// The input is scanned backward one chunk at a time; consecutive chunks
// overlap by len(pattern)-1 bytes so a match straddling a chunk boundary
// is still found. Memory use is one chunk regardless of size.
func Locate(r io.ReaderAt, size int64, pattern []byte) (int64, error) {
	if len(pattern) == 0 {
		return 0, fmt.Errorf("%w: empty pattern", ErrMagicNotFound)
	}
	plen := int64(len(pattern))
	window := max(int64(ChunkSize), 2*plen)
	buf := make([]byte, window)
	end := size
	for end >= plen {
		start := max(end-window, 0)
		n := end - start
		if n < plen {
			break
		}
		chunk := buf[:n]
		if err := file.ReadFullAt(r, chunk, start); err != nil {
			return 0, fmt.Errorf("read at offset %d: %w", start, err)
		}
		if i := bytes.LastIndex(chunk, pattern); i >= 0 {
			return start + int64(i), nil
		}
		if start == 0 {
			break
		}
		end = start + plen - 1
	}
	return 0, ErrMagicNotFound
}
