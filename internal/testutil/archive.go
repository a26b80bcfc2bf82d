package testutil

import (
	"bytes"
	"encoding/binary"

	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/marshal"
)

// CookieMagic opens every package cookie.
var CookieMagic = []byte("MEI\014\013\012\013\016")

// PYZItem is one entry of a synthetic PYZ archive.
type PYZItem struct {
	Name string
	Type int
	Data []byte
}

// BuildPYZ encodes a PYZ archive with a list-form TOC.
func BuildPYZ(magic []byte, items []PYZItem) []byte {
	return buildPYZ(magic, items, false)
}

// BuildLegacyPYZ encodes a PYZ archive with the older dict-form TOC.
func BuildLegacyPYZ(magic []byte, items []PYZItem) []byte {
	return buildPYZ(magic, items, true)
}

func buildPYZ(magic []byte, items []PYZItem, legacy bool) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 17))
	var list marshal.List
	var dict marshal.Dict
	for _, it := range items {
		z := mustDeflate(it.Data, file.InnerLevel)
		value := marshal.Tuple{int64(it.Type), int64(buf.Len()), int64(len(z))}
		list = append(list, marshal.Tuple{it.Name, value})
		dict = append(dict, marshal.Item{Key: it.Name, Value: value})
		buf.Write(z)
	}
	tocOffset := buf.Len()
	var toc any = list
	if legacy {
		toc = dict
	}
	data, err := marshal.Marshal(toc)
	if err != nil {
		panic(err)
	}
	buf.Write(data)

	out := buf.Bytes()
	copy(out, "PYZ\x00")
	copy(out[4:8], magic)
	binary.BigEndian.PutUint32(out[8:12], uint32(tocOffset)) //nolint:gosec // test sizes
	return out
}

// PKGItem is one entry of a synthetic package archive.
type PKGItem struct {
	Name     string
	Type     byte
	Data     []byte
	Compress bool
}

// PKGOptions selects the cookie layout of BuildPKG.
type PKGOptions struct {
	// Legacy writes the 24-byte cookie without a library name.
	Legacy bool
	// PyVersion is stored in the cookie.
	PyVersion int32
	// PyLibName is stored in the 88-byte cookie.
	PyLibName string
}

// BuildPKG encodes a package archive. TOC names are padded to the next
// multiple of 16 with no extra block, which is the form older writers
// produce; readers must accept it.
func BuildPKG(items []PKGItem, opts PKGOptions) []byte {
	var buf bytes.Buffer
	var toc bytes.Buffer
	for _, it := range items {
		offset := buf.Len()
		payload := it.Data
		if it.Compress {
			payload = mustDeflate(it.Data, file.OuterLevel)
		}
		buf.Write(payload)

		name := append([]byte(it.Name), 0)
		size := 18 + len(name)
		if rem := size % 16; rem != 0 {
			name = append(name, make([]byte, 16-rem)...)
			size += 16 - rem
		}
		var hdr [18]byte
		binary.BigEndian.PutUint32(hdr[0:], uint32(size))         //nolint:gosec // test sizes
		binary.BigEndian.PutUint32(hdr[4:], uint32(offset))       //nolint:gosec // test sizes
		binary.BigEndian.PutUint32(hdr[8:], uint32(len(payload))) //nolint:gosec // test sizes
		binary.BigEndian.PutUint32(hdr[12:], uint32(len(it.Data))) //nolint:gosec // test sizes
		if it.Compress {
			hdr[16] = 1
		}
		hdr[17] = it.Type
		toc.Write(hdr[:])
		toc.Write(name)
	}
	tocOffset := buf.Len()
	buf.Write(toc.Bytes())

	cookieSize := 88
	if opts.Legacy {
		cookieSize = 24
	}
	cookie := make([]byte, cookieSize)
	copy(cookie, CookieMagic)
	binary.BigEndian.PutUint32(cookie[8:], uint32(buf.Len()+cookieSize)) //nolint:gosec // test sizes
	binary.BigEndian.PutUint32(cookie[12:], uint32(tocOffset))           //nolint:gosec // test sizes
	binary.BigEndian.PutUint32(cookie[16:], uint32(toc.Len()))           //nolint:gosec // test sizes
	binary.BigEndian.PutUint32(cookie[20:], uint32(opts.PyVersion))      //nolint:gosec // test sizes
	if !opts.Legacy {
		copy(cookie[24:], opts.PyLibName)
	}
	buf.Write(cookie)
	return buf.Bytes()
}

// Bootloader returns a deterministic stand-in for a bootloader stub.
func Bootloader(size int) []byte {
	stub := make([]byte, size)
	for i := range stub {
		stub[i] = byte(i*7 + 3)
	}
	return stub
}

// HostBinary concatenates a bootloader stub and a package archive.
func HostBinary(stub, pkg []byte) []byte {
	out := make([]byte, 0, len(stub)+len(pkg))
	out = append(out, stub...)
	return append(out, pkg...)
}

func mustDeflate(data []byte, level int) []byte {
	z, err := file.DeflateBytes(data, level)
	if err != nil {
		panic(err)
	}
	return z
}
