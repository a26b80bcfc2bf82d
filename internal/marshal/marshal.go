// Package marshal implements the subset of the CPython marshal format needed
// to read and write PYZ tables of contents.
//
// Scalars, strings, bytes and the four container types are supported, as is
// the back-reference mechanism (FLAG_REF / 'r') emitted by modern
// interpreters. Code objects are never decoded here; they travel as opaque
// byte slices.
package marshal

import (
	"fmt"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// Type codes.
const (
	typeNull          = '0'
	typeNone          = 'N'
	typeFalse         = 'F'
	typeTrue          = 'T'
	typeInt           = 'i'
	typeLong          = 'l'
	typeBytes         = 's'
	typeInterned      = 't'
	typeRef           = 'r'
	typeTuple         = '('
	typeSmallTuple    = ')'
	typeList          = '['
	typeDict          = '{'
	typeUnicode       = 'u'
	typeASCII         = 'a'
	typeASCIIInterned = 'A'
	typeShortASCII    = 'z'
	typeShortASCIIInt = 'Z'

	flagRef = 0x80
)

// maxDepth bounds container nesting while decoding.
const maxDepth = 256

// ErrUnsupported is returned for marshal type codes outside the supported subset.
var ErrUnsupported = fmt.Errorf("%w: unsupported marshal type", errdefs.ErrFormat)

// Tuple is a decoded or to-be-encoded tuple.
type Tuple []any

// List is a decoded or to-be-encoded list.
type List []any

// Item is one key/value pair of a Dict.
type Item struct {
	Key   any
	Value any
}

// Dict is a dictionary with its insertion order preserved.
type Dict []Item

// AsInt64 converts a decoded integer or boolean to int64.
func AsInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsString converts a decoded str or bytes object to a Go string.
func AsString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return "", false
	}
}
