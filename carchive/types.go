package carchive

import (
	"fmt"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// Sentinel errors.
var (
	// ErrFormat is the class of structural decoding failures.
	ErrFormat = errdefs.ErrFormat
	// ErrMagicNotFound is returned when no cookie magic occurs in the input.
	ErrMagicNotFound = errdefs.ErrMagicNotFound
	// ErrTruncated is returned when the cookie, TOC or an entry extends past
	// the data available.
	ErrTruncated = errdefs.ErrTruncated
	// ErrUnknownType is returned for a type code outside the known set.
	ErrUnknownType = errdefs.ErrUnknownType
	// ErrVersionMismatch is returned when a compiled module was built for
	// another interpreter.
	ErrVersionMismatch = errdefs.ErrVersionMismatch
	// ErrSizeOverflow is returned when an offset or length does not fit its
	// on-disk field.
	ErrSizeOverflow = errdefs.ErrSizeOverflow
	// ErrDecompression is returned when an entry fails to inflate.
	ErrDecompression = errdefs.ErrDecompression
	// ErrEntryNotFound is returned for names absent from the TOC.
	ErrEntryNotFound = errdefs.ErrEntryNotFound
	// ErrNoSource is returned when an entry can neither be read from disk
	// nor copied from an original archive.
	ErrNoSource = errdefs.ErrNoSource
)

// TypeCode identifies how the bootloader treats an entry.
type TypeCode byte

// Type codes.
const (
	TypeBinary     TypeCode = 'b'
	TypeDependency TypeCode = 'd'
	TypeZlib       TypeCode = 'z'
	TypeZipFile    TypeCode = 'Z'
	TypePackage    TypeCode = 'M'
	TypeModule     TypeCode = 'm'
	TypeSource     TypeCode = 's'
	TypeData       TypeCode = 'x'
	TypeOption     TypeCode = 'o'
	TypeSplash     TypeCode = 'l'
)

// Valid reports whether t is a known type code.
func (t TypeCode) Valid() bool {
	switch t {
	case TypeBinary, TypeDependency, TypeZlib, TypeZipFile, TypePackage,
		TypeModule, TypeSource, TypeData, TypeOption, TypeSplash:
		return true
	default:
		return false
	}
}

// Nested reports whether t marks an embedded PYZ archive.
func (t TypeCode) Nested() bool {
	return t == TypeZlib || t == TypeZipFile
}

// String returns the code as a one-character string.
func (t TypeCode) String() string {
	if t.Valid() {
		return string(rune(t))
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

func checkType(t TypeCode, name string) error {
	if !t.Valid() {
		return fmt.Errorf("%w %s for %q", ErrUnknownType, t, name)
	}
	return nil
}
