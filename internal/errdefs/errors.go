// Package errdefs declares the error classes shared by every pyrepack package.
//
// Each public package re-exports the sentinels it returns. Specific sentinels
// wrap one of the class sentinels so callers can match either the precise
// failure or its class with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	// ErrFormat is the class of structural decoding failures. A run that hits
	// one aborts before any destructive write.
	ErrFormat = errors.New("pyrepack: format error")

	// ErrPrecondition is the class of failures detected before the host
	// binary is touched, such as a missing runtime artifact.
	ErrPrecondition = errors.New("pyrepack: precondition failed")

	// ErrExternalTool is the class of failures reported by an external
	// post-processing tool that was present but did not succeed.
	ErrExternalTool = errors.New("pyrepack: external tool failed")
)

// Format errors.
var (
	// ErrMagicNotFound is returned when the cookie magic does not occur in the binary.
	ErrMagicNotFound = fmt.Errorf("%w: magic pattern not found", ErrFormat)

	// ErrTruncated is returned when a cookie, TOC or entry extends past the
	// end of its containing region.
	ErrTruncated = fmt.Errorf("%w: truncated data", ErrFormat)

	// ErrUnknownType is returned for a type code outside the known enumeration.
	ErrUnknownType = fmt.Errorf("%w: unknown item type", ErrFormat)

	// ErrVersionMismatch is returned when a bytecode header does not carry
	// the expected interpreter magic.
	ErrVersionMismatch = fmt.Errorf("%w: bytecode version mismatch", ErrFormat)

	// ErrSizeOverflow is returned when a size or offset does not fit the
	// 32-bit on-disk fields.
	ErrSizeOverflow = fmt.Errorf("%w: size overflow", ErrFormat)

	// ErrDecompression is returned when an entry payload fails to inflate.
	ErrDecompression = fmt.Errorf("%w: decompression failed", ErrFormat)
)

// Precondition errors.
var (
	// ErrEntryNotFound is returned when a named entry is not in the TOC.
	ErrEntryNotFound = fmt.Errorf("%w: entry not found", ErrPrecondition)

	// ErrNoSource is returned when an entry has neither a replacement source
	// nor an original archive to copy it from.
	ErrNoSource = fmt.Errorf("%w: no replacement source and no original archive", ErrPrecondition)

	// ErrRuntimeNotFound is returned when the replacement tree does not
	// contain a native runtime artifact.
	ErrRuntimeNotFound = fmt.Errorf("%w: no runtime files found", ErrPrecondition)

	// ErrStaleManifest is returned when a working directory was extracted
	// from a different executable than the one being repacked.
	ErrStaleManifest = fmt.Errorf("%w: extraction manifest does not match executable", ErrPrecondition)
)

// External tool errors.
var (
	// ErrToolNotFound is returned when an optional external tool is not
	// installed. It is the only tolerated failure during finalization.
	ErrToolNotFound = fmt.Errorf("%w: tool not found", ErrExternalTool)
)
