package carchive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/meigma/pyrepack/internal/sizing"
)

// entryHeaderSize is the fixed part of a TOC record: structLength,
// offset, stored length, length, compress flag and type code.
const entryHeaderSize = 18

// tocAlign is the record alignment the bootloader relies on.
const tocAlign = 16

// Entry is one TOC record.
type Entry struct {
	// Name is the stored name. Dependency entries keep the combined
	// "prefix:name" form.
	Name string
	// Offset is the payload position relative to the archive start.
	Offset uint32
	// StoredLength is the payload size as written.
	StoredLength uint32
	// Length is the payload size after decompression.
	Length uint32
	// Compressed reports whether the payload is a zlib stream.
	Compressed bool
	// Type is the entry type code.
	Type TypeCode
}

// SerializeTOCEntry encodes e as a TOC record.
//
// The name is written as UTF-8 followed by a NUL and zero padding up to the
// next multiple of 16. A record that is already aligned before padding
// still gets a full 16-byte pad block, so padding is never empty.
func SerializeTOCEntry(e Entry) ([]byte, error) {
	if !utf8.ValidString(e.Name) {
		return nil, fmt.Errorf("%w: name %q is not UTF-8", ErrFormat, e.Name)
	}
	if err := checkType(e.Type, e.Name); err != nil {
		return nil, err
	}
	unpadded := entryHeaderSize + len(e.Name) + 1
	size := unpadded + tocAlign - unpadded%tocAlign
	structLen, err := sizing.ToInt32(int64(size), ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", e.Name, err)
	}

	b := make([]byte, size)
	binary.BigEndian.PutUint32(b[0:], uint32(structLen)) //nolint:gosec // positive
	binary.BigEndian.PutUint32(b[4:], e.Offset)
	binary.BigEndian.PutUint32(b[8:], e.StoredLength)
	binary.BigEndian.PutUint32(b[12:], e.Length)
	if e.Compressed {
		b[16] = 1
	}
	b[17] = byte(e.Type)
	copy(b[entryHeaderSize:], e.Name)
	return b, nil
}

// TOC is a decoded table of contents.
//
// Records keep their on-disk order. Name lookups follow the bootloader:
// when a name occurs more than once the last record wins.
type TOC struct {
	entries []Entry
	index   map[string]int
}

func newTOC(entries []Entry) *TOC {
	t := &TOC{entries: entries, index: make(map[string]int, len(entries))}
	for i, e := range entries {
		t.index[e.Name] = i
	}
	return t
}

// ParseTOC decodes a serialized TOC.
func ParseTOC(data []byte) (*TOC, error) {
	var entries []Entry
	for off := 0; off < len(data); {
		if len(data)-off < entryHeaderSize {
			return nil, fmt.Errorf("%w: TOC record at offset %d", ErrTruncated, off)
		}
		rec := data[off:]
		structLen := int64(int32(binary.BigEndian.Uint32(rec))) //nolint:gosec // signed on disk
		if structLen < entryHeaderSize || structLen > int64(len(rec)) {
			return nil, fmt.Errorf("%w: TOC record at offset %d claims %d bytes", ErrTruncated, off, structLen)
		}
		name := rec[entryHeaderSize:structLen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		e := Entry{
			Name:         string(name),
			Offset:       binary.BigEndian.Uint32(rec[4:]),
			StoredLength: binary.BigEndian.Uint32(rec[8:]),
			Length:       binary.BigEndian.Uint32(rec[12:]),
			Compressed:   rec[16] != 0,
			Type:         TypeCode(rec[17]),
		}
		if err := checkType(e.Type, e.Name); err != nil {
			return nil, err
		}
		entries = append(entries, e)
		off += int(structLen)
	}
	return newTOC(entries), nil
}

// Entries returns every record in on-disk order, duplicates included.
func (t *TOC) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Unique returns one record per name, in order of first appearance, each
// holding the values of the last record with that name.
func (t *TOC) Unique() []Entry {
	out := make([]Entry, 0, len(t.index))
	seen := make(map[string]bool, len(t.index))
	for _, e := range t.entries {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		out = append(out, t.entries[t.index[e.Name]])
	}
	return out
}

// Len returns the number of distinct names.
func (t *TOC) Len() int {
	return len(t.index)
}

// Lookup returns the record for name.
func (t *TOC) Lookup(name string) (Entry, bool) {
	i, ok := t.index[name]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}
