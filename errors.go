package pyrepack

import (
	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/internal/errdefs"
	"github.com/meigma/pyrepack/patch"
	"github.com/meigma/pyrepack/pycode"
)

// Error classes. Every error returned by this module matches one of them
// with errors.Is, except plain I/O failures.
var (
	// ErrFormat is returned when the host binary or an archive inside it
	// cannot be decoded.
	ErrFormat = errdefs.ErrFormat

	// ErrPrecondition is returned when a run cannot start or continue, for
	// example because the runtime artifact is missing.
	ErrPrecondition = errdefs.ErrPrecondition

	// ErrExternalTool is returned when a platform tool fails.
	ErrExternalTool = errdefs.ErrExternalTool
)

// Errors re-exported from the archive packages.
var (
	// ErrMagicNotFound is returned when the file is not a bundled executable.
	ErrMagicNotFound = carchive.ErrMagicNotFound

	// ErrUnknownType is returned for an unknown entry type code.
	ErrUnknownType = carchive.ErrUnknownType

	// ErrVersionMismatch is returned when a compiled module was built for a
	// different interpreter than the bundle.
	ErrVersionMismatch = pycode.ErrVersionMismatch

	// ErrToolNotFound is returned when a required platform tool is missing.
	ErrToolNotFound = patch.ErrToolNotFound
)

// Orchestration errors.
var (
	// ErrRuntimeNotFound is returned when the runtime directory holds no
	// native runtime library.
	ErrRuntimeNotFound = errdefs.ErrRuntimeNotFound

	// ErrStaleManifest is returned by Resume when the working directory
	// was extracted from a different executable.
	ErrStaleManifest = errdefs.ErrStaleManifest
)
