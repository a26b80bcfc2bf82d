package pycode

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// HeaderSize is the length of the .pyc header that precedes the marshaled
// code object: magic, flags, and two words of source metadata.
const HeaderSize = 16

// MagicSize is the length of the interpreter bytecode magic.
const MagicSize = 4

// Sentinel errors.
var (
	// ErrVersionMismatch is returned when a .pyc header carries a different
	// interpreter magic than the bundle.
	ErrVersionMismatch = errdefs.ErrVersionMismatch

	// ErrTruncated is returned when a .pyc file is shorter than its header.
	ErrTruncated = errdefs.ErrTruncated
)

// Code is a marshaled code object together with the name it is stored under.
type Code struct {
	// Name is the dotted module name.
	Name string

	// Package is true when the code is a package initializer rather than a
	// plain module.
	Package bool

	// Data is the marshaled code object without any .pyc header.
	Data []byte
}

// Filename returns the archive-relative source path recorded in the code
// object, e.g. "pkg/sub/__init__.py" for package "pkg.sub".
func (c Code) Filename() string {
	return ModuleFilename(c.Name, c.Package)
}

// ModuleFilename maps a dotted module name to its relative source path.
func ModuleFilename(name string, pkg bool) string {
	p := strings.ReplaceAll(name, ".", "/")
	if pkg {
		return p + "/__init__.py"
	}
	return p + ".py"
}

// TimestampPyc prefixes a marshaled code object with a timestamp-style .pyc
// header carrying magic and zeroed flags, mtime and source size.
func TimestampPyc(magic, code []byte) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(code))
	copy(out, magic)
	return append(out, code...)
}

// ReadPyc validates the header of a .pyc image against magic and returns the
// marshaled code object that follows it. A nil magic skips validation.
func ReadPyc(data, magic []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: pyc is %d bytes", ErrTruncated, len(data))
	}
	if magic != nil && !bytes.Equal(data[:MagicSize], magic) {
		return nil, fmt.Errorf("%w: got %x, want %x", ErrVersionMismatch, data[:MagicSize], magic)
	}
	return data[HeaderSize:], nil
}
