package pycode

import "context"

// Info describes a decoded code object.
type Info struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	FirstLine int    `json:"firstline"`
}

// Compiler produces and rewrites marshaled code objects.
//
// Every method returns code with embedded absolute paths replaced by the
// given archive-relative filename, so the output does not depend on where
// the bundle was built.
type Compiler interface {
	// Magic returns the bytecode magic of the interpreter.
	Magic(ctx context.Context) ([]byte, error)

	// Compile compiles source text to a marshaled code object.
	Compile(ctx context.Context, filename string, source []byte) ([]byte, error)

	// Strip rewrites the paths embedded in a marshaled code object.
	Strip(ctx context.Context, filename string, code []byte) ([]byte, error)

	// Describe decodes a marshaled code object.
	Describe(ctx context.Context, code []byte) (Info, error)
}
