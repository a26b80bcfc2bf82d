package pyz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/marshal"
	"github.com/meigma/pyrepack/internal/sizing"
	"github.com/meigma/pyrepack/pycode"
)

// Reader provides random access to the entries of a PYZ archive.
//
// The archive is read through an io.ReaderAt, so a Reader can sit directly
// on a section of a larger file without copying it into memory.
type Reader struct {
	r       io.ReaderAt
	size    int64
	magic   []byte
	entries []Entry
	index   map[string]int
}

// NewReader decodes the header and table of contents of the PYZ archive
// held in the first size bytes of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size < headerSize {
		return nil, fmt.Errorf("%w: %d byte archive", ErrTruncated, size)
	}
	var hdr [headerSize]byte
	if err := file.ReadFullAt(r, hdr[:], 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(hdr[:4], Magic) {
		return nil, fmt.Errorf("%w: bad PYZ magic %q", ErrMagicNotFound, hdr[:4])
	}
	tocOffset := int64(int32(binary.BigEndian.Uint32(hdr[8:12]))) //nolint:gosec // signed on disk
	if tocOffset < headerSize || tocOffset > size {
		return nil, fmt.Errorf("%w: TOC offset %d outside %d byte archive", ErrTruncated, tocOffset, size)
	}

	tocLen := size - tocOffset
	data, err := sizing.ReadAllWithLimit(io.NewSectionReader(r, tocOffset, tocLen), uint64(tocLen), ErrTruncated) //nolint:gosec // non-negative
	if err != nil {
		return nil, fmt.Errorf("read TOC: %w", err)
	}
	entries, err := decodeTOC(data, size)
	if err != nil {
		return nil, err
	}

	rd := &Reader{
		r:       r,
		size:    size,
		magic:   append([]byte(nil), hdr[4:8]...),
		entries: entries,
		index:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		rd.index[e.Name] = i
	}
	return rd, nil
}

// decodeTOC accepts both the list form and the older dict form.
func decodeTOC(data []byte, size int64) ([]Entry, error) {
	v, err := marshal.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode TOC: %w", err)
	}

	var pairs [][2]any
	switch toc := v.(type) {
	case marshal.List:
		for i, item := range toc {
			t, ok := item.(marshal.Tuple)
			if !ok || len(t) != 2 {
				return nil, fmt.Errorf("%w: TOC item %d is not a pair", ErrFormat, i)
			}
			pairs = append(pairs, [2]any{t[0], t[1]})
		}
	case marshal.Dict:
		for _, item := range toc {
			pairs = append(pairs, [2]any{item.Key, item.Value})
		}
	default:
		return nil, fmt.Errorf("%w: TOC is %T", ErrFormat, v)
	}

	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		e, err := decodeEntry(p[0], p[1])
		if err != nil {
			return nil, err
		}
		if !sizing.InBounds(e.Offset, e.Length, size) {
			return nil, fmt.Errorf("%w: entry %q at offset %d length %d", ErrTruncated, e.Name, e.Offset, e.Length)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(key, value any) (Entry, error) {
	name, ok := marshal.AsString(key)
	if !ok {
		return Entry{}, fmt.Errorf("%w: TOC key is %T", ErrFormat, key)
	}
	t, ok := value.(marshal.Tuple)
	if !ok || len(t) != 3 {
		return Entry{}, fmt.Errorf("%w: TOC value for %q is malformed", ErrFormat, name)
	}
	var f [3]int64
	for i := range f {
		if f[i], ok = marshal.AsInt64(t[i]); !ok {
			return Entry{}, fmt.Errorf("%w: TOC field %d for %q is %T", ErrFormat, i, name, t[i])
		}
	}
	typ := Type(f[0])
	if !typ.Valid() {
		return Entry{}, fmt.Errorf("%w: %d for %q", ErrUnknownType, f[0], name)
	}
	return Entry{Name: name, Type: typ, Offset: f[1], Length: f[2]}, nil
}

// BytecodeMagic returns the interpreter magic recorded in the header.
func (r *Reader) BytecodeMagic() []byte {
	return append([]byte(nil), r.magic...)
}

// Size returns the archive size in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Entries returns the table of contents in stored order.
func (r *Reader) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Lookup returns the entry stored under name. When a name appears more than
// once the last occurrence wins.
func (r *Reader) Lookup(name string) (Entry, bool) {
	i, ok := r.index[name]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Raw returns the compressed payload of name exactly as stored.
func (r *Reader) Raw(name string) ([]byte, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	buf := make([]byte, e.Length)
	if err := file.ReadFullAt(r.r, buf, e.Offset); err != nil {
		return nil, fmt.Errorf("read entry %q at offset %d: %w", name, e.Offset, err)
	}
	return buf, nil
}

// Extract returns the decompressed payload of name. For code entries this
// is a marshaled code object without any .pyc header.
func (r *Reader) Extract(name string) ([]byte, error) {
	raw, err := r.Raw(name)
	if err != nil {
		return nil, err
	}
	data, err := file.InflateBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", name, err)
	}
	return data, nil
}

// ExtractCode returns the code object stored under name. Package entries
// are reported with Package set so callers place them as the package
// initializer.
func (r *Reader) ExtractCode(name string) (pycode.Code, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return pycode.Code{}, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	if !e.Type.IsCode() {
		return pycode.Code{}, fmt.Errorf("%w: %q is %s, not code", ErrFormat, name, e.Type)
	}
	data, err := r.Extract(name)
	if err != nil {
		return pycode.Code{}, err
	}
	return pycode.Code{Name: name, Package: e.Type == TypePackage, Data: data}, nil
}
