package carchive

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/sizing"
	"github.com/meigma/pyrepack/pyz"
)

// Reader is a read-only view of the archive embedded in a host binary.
type Reader struct {
	r         io.ReaderAt
	size      int64
	closer    io.Closer
	layout    Layout
	cookie    Cookie
	cookiePos int64
	start     int64
	toc       *TOC
}

// Open opens the host binary at path and decodes its archive.
// The caller must Close the returned Reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader decodes the archive found in the first size bytes of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	pos, err := Locate(r, size, Magic)
	if err != nil {
		return nil, err
	}
	layout, cookie, err := DetectLayout(r, size, pos)
	if err != nil {
		return nil, err
	}
	start := pos + int64(layout.Size()) - int64(cookie.Length)

	tocData := make([]byte, cookie.TOCLength)
	if err := file.ReadFullAt(r, tocData, start+int64(cookie.TOCOffset)); err != nil {
		return nil, fmt.Errorf("read TOC at offset %d: %w", start+int64(cookie.TOCOffset), err)
	}
	toc, err := ParseTOC(tocData)
	if err != nil {
		return nil, err
	}
	for _, e := range toc.entries {
		if !sizing.InBounds(start+int64(e.Offset), int64(e.StoredLength), pos) {
			return nil, fmt.Errorf("%w: entry %q at offset %d length %d", ErrTruncated, e.Name, e.Offset, e.StoredLength)
		}
	}

	return &Reader{
		r:         r,
		size:      size,
		layout:    layout,
		cookie:    cookie,
		cookiePos: pos,
		start:     start,
		toc:       toc,
	}, nil
}

// Close releases the underlying file when the Reader was created by Open.
// Calls after the first return nil.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}

// Cookie returns the decoded cookie.
func (r *Reader) Cookie() Cookie {
	return r.cookie
}

// Layout returns the cookie layout detected on open.
func (r *Reader) Layout() Layout {
	return r.layout
}

// CookieOffset returns the absolute position of the cookie.
func (r *Reader) CookieOffset() int64 {
	return r.cookiePos
}

// Start returns the absolute position of the archive within its host.
func (r *Reader) Start() int64 {
	return r.start
}

// Size returns the size of the host data the Reader was opened on.
func (r *Reader) Size() int64 {
	return r.size
}

// TOC returns the table of contents.
func (r *Reader) TOC() *TOC {
	return r.toc
}

// Entry returns the TOC record for name.
func (r *Reader) Entry(name string) (Entry, error) {
	e, ok := r.toc.Lookup(name)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	return e, nil
}

// RawSection returns the stored bytes of e without decompressing them.
func (r *Reader) RawSection(e Entry) *io.SectionReader {
	return io.NewSectionReader(r.r, r.start+int64(e.Offset), int64(e.StoredLength))
}

// OpenEntry returns a stream of the decompressed payload of name.
func (r *Reader) OpenEntry(name string) (io.ReadCloser, error) {
	e, err := r.Entry(name)
	if err != nil {
		return nil, err
	}
	return r.openEntry(e)
}

func (r *Reader) openEntry(e Entry) (io.ReadCloser, error) {
	sec := r.RawSection(e)
	if !e.Compressed {
		return io.NopCloser(sec), nil
	}
	zr, err := file.Inflate(sec)
	if err != nil {
		return nil, fmt.Errorf("entry %q at offset %d: %w", e.Name, e.Offset, err)
	}
	return zr, nil
}

// Extract returns the decompressed payload of name.
func (r *Reader) Extract(name string) ([]byte, error) {
	e, err := r.Entry(name)
	if err != nil {
		return nil, err
	}
	rc, err := r.openEntry(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := sizing.ReadAllWithLimit(rc, uint64(e.Length), ErrDecompression)
	if err != nil {
		return nil, fmt.Errorf("entry %q at offset %d: %w", name, e.Offset, err)
	}
	if len(data) != int(e.Length) {
		return nil, fmt.Errorf("%w: entry %q holds %d bytes, TOC says %d", ErrTruncated, name, len(data), e.Length)
	}
	return data, nil
}

// OpenNested returns a reader for the PYZ archive stored under name.
//
// Uncompressed entries, the normal case, are read in place through a
// section of the host binary.
func (r *Reader) OpenNested(name string) (*pyz.Reader, error) {
	e, err := r.Entry(name)
	if err != nil {
		return nil, err
	}
	if !e.Type.Nested() {
		return nil, fmt.Errorf("%w: entry %q has type %s, not a nested archive", ErrFormat, name, e.Type)
	}
	if !e.Compressed {
		pr, err := pyz.NewReader(r.RawSection(e), int64(e.StoredLength))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", name, err)
		}
		return pr, nil
	}
	data, err := r.Extract(name)
	if err != nil {
		return nil, err
	}
	pr, err := pyz.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", name, err)
	}
	return pr, nil
}
