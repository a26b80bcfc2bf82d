package pyz

import (
	"fmt"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// Magic opens every PYZ archive.
var Magic = []byte("PYZ\x00")

const (
	// headerSize is the number of header bytes that carry data.
	headerSize = 12

	// reservedSize is the space left before the first entry.
	reservedSize = headerSize + 5
)

// Sentinel errors.
var (
	// ErrFormat is the class of all decoding failures.
	ErrFormat = errdefs.ErrFormat
	// ErrMagicNotFound is returned when the archive does not start with Magic.
	ErrMagicNotFound = errdefs.ErrMagicNotFound
	// ErrTruncated is returned when the TOC or an entry lies outside the archive.
	ErrTruncated = errdefs.ErrTruncated
	// ErrUnknownType is returned for entry types outside the known set.
	ErrUnknownType = errdefs.ErrUnknownType
	// ErrEntryNotFound is returned when a name is not in the TOC.
	ErrEntryNotFound = errdefs.ErrEntryNotFound
	// ErrSizeOverflow is returned when an offset does not fit the header field.
	ErrSizeOverflow = errdefs.ErrSizeOverflow
)

// Type is the kind of a PYZ entry.
type Type int

// Entry types.
const (
	TypeModule           Type = 0
	TypePackage          Type = 1
	TypeData             Type = 2
	TypeNamespacePackage Type = 3
)

// String returns a short name for t.
func (t Type) String() string {
	switch t {
	case TypeModule:
		return "module"
	case TypePackage:
		return "package"
	case TypeData:
		return "data"
	case TypeNamespacePackage:
		return "nspkg"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Valid reports whether t is one of the known entry types.
func (t Type) Valid() bool {
	return t >= TypeModule && t <= TypeNamespacePackage
}

// IsCode reports whether the payload of t is a marshaled code object.
func (t Type) IsCode() bool {
	return t == TypeModule || t == TypePackage || t == TypeNamespacePackage
}

// Entry describes one item of a PYZ table of contents.
type Entry struct {
	// Name is the dotted module name, or a relative path for data.
	Name string
	// Type is the entry kind.
	Type Type
	// Offset is the position of the compressed payload from the start of
	// the archive.
	Offset int64
	// Length is the compressed payload size.
	Length int64
}
