package carchive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meigma/pyrepack/internal/file"
)

// Magic opens the cookie record.
var Magic = []byte("MEI\014\013\012\013\016")

// pyLibNameSize is the width of the library name field in the 88-byte cookie.
const pyLibNameSize = 64

// Cookie is the trailer record that locates the archive inside its host.
type Cookie struct {
	// Length is the size of the whole archive, cookie included.
	Length uint32
	// TOCOffset is the TOC position relative to the archive start.
	TOCOffset uint32
	// TOCLength is the size of the serialized TOC.
	TOCLength int32
	// PyVersion is the interpreter version tag, e.g. 311.
	PyVersion int32
	// PyLibName is the shared interpreter library name. Empty for the
	// legacy layout.
	PyLibName string
}

// Layout is one historical encoding of the cookie.
type Layout interface {
	// Name identifies the layout in logs and errors.
	Name() string
	// Size is the encoded cookie length in bytes.
	Size() int
	// Decode parses an encoded cookie. b holds exactly Size bytes.
	Decode(b []byte) (Cookie, error)
	// Encode serializes c.
	Encode(c Cookie) ([]byte, error)
}

// Known layouts.
var (
	// LayoutV20 is the 24-byte cookie without a library name.
	LayoutV20 Layout = layoutV20{}
	// LayoutV21 is the 88-byte cookie carrying the interpreter library name.
	LayoutV21 Layout = layoutV21{}
)

// layouts are probed in order; the first consistent decode wins.
var layouts = []Layout{LayoutV21, LayoutV20}

type layoutV20 struct{}

func (layoutV20) Name() string { return "v2.0" }
func (layoutV20) Size() int    { return 24 }

func (l layoutV20) Decode(b []byte) (Cookie, error) {
	if len(b) != l.Size() {
		return Cookie{}, fmt.Errorf("%w: %d byte %s cookie", ErrTruncated, len(b), l.Name())
	}
	if !bytes.Equal(b[:8], Magic) {
		return Cookie{}, fmt.Errorf("%w: cookie does not start with magic", ErrMagicNotFound)
	}
	return Cookie{
		Length:    binary.BigEndian.Uint32(b[8:]),
		TOCOffset: binary.BigEndian.Uint32(b[12:]),
		TOCLength: int32(binary.BigEndian.Uint32(b[16:])), //nolint:gosec // signed on disk
		PyVersion: int32(binary.BigEndian.Uint32(b[20:])), //nolint:gosec // signed on disk
	}, nil
}

func (l layoutV20) Encode(c Cookie) ([]byte, error) {
	b := make([]byte, l.Size())
	copy(b, Magic)
	binary.BigEndian.PutUint32(b[8:], c.Length)
	binary.BigEndian.PutUint32(b[12:], c.TOCOffset)
	binary.BigEndian.PutUint32(b[16:], uint32(c.TOCLength)) //nolint:gosec // two's complement
	binary.BigEndian.PutUint32(b[20:], uint32(c.PyVersion)) //nolint:gosec // two's complement
	return b, nil
}

type layoutV21 struct{}

func (layoutV21) Name() string { return "v2.1" }
func (layoutV21) Size() int    { return 88 }

func (l layoutV21) Decode(b []byte) (Cookie, error) {
	if len(b) != l.Size() {
		return Cookie{}, fmt.Errorf("%w: %d byte %s cookie", ErrTruncated, len(b), l.Name())
	}
	c, err := layoutV20{}.Decode(b[:24])
	if err != nil {
		return Cookie{}, err
	}
	name := b[24:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	c.PyLibName = string(name)
	return c, nil
}

func (l layoutV21) Encode(c Cookie) ([]byte, error) {
	if len(c.PyLibName) > pyLibNameSize {
		return nil, fmt.Errorf("%w: library name %q exceeds %d bytes", ErrSizeOverflow, c.PyLibName, pyLibNameSize)
	}
	head, _ := layoutV20{}.Encode(c)
	b := make([]byte, l.Size())
	copy(b, head)
	copy(b[24:], c.PyLibName)
	return b, nil
}

// consistent reports whether a cookie decoded at pos with layout l describes
// an archive that fits inside the first size bytes and whose TOC lies
// between the archive start and the cookie.
func consistent(c Cookie, l Layout, pos, size int64) bool {
	end := pos + int64(l.Size())
	if end > size {
		return false
	}
	start := end - int64(c.Length)
	if start < 0 || c.TOCLength < 0 {
		return false
	}
	tocEnd := start + int64(c.TOCOffset) + int64(c.TOCLength)
	if tocEnd > pos {
		return false
	}
	for i := range len(c.PyLibName) {
		if ch := c.PyLibName[i]; ch < 0x20 || ch >= 0x7f {
			return false
		}
	}
	return true
}

// DetectLayout decodes the cookie at pos, probing each known layout and
// returning the first that describes a consistent archive.
func DetectLayout(r io.ReaderAt, size, pos int64) (Layout, Cookie, error) {
	for _, l := range layouts {
		if pos+int64(l.Size()) > size {
			continue
		}
		b := make([]byte, l.Size())
		if err := file.ReadFullAt(r, b, pos); err != nil {
			return nil, Cookie{}, fmt.Errorf("read cookie at offset %d: %w", pos, err)
		}
		c, err := l.Decode(b)
		if err != nil {
			return nil, Cookie{}, err
		}
		if consistent(c, l, pos, size) {
			return l, c, nil
		}
	}
	return nil, Cookie{}, fmt.Errorf("%w: no cookie layout fits at offset %d", ErrTruncated, pos)
}
