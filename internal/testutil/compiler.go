package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meigma/pyrepack/internal/marshal"
	"github.com/meigma/pyrepack/pycode"
)

// FakeMagic is the bytecode magic reported by FakeCompiler.
var FakeMagic = []byte{0xa7, 0x0d, 0x0d, 0x0a}

// FakeCompiler stands in for a Python interpreter.
//
// Its "code objects" are marshaled tuples ("code", filename, source), so
// they survive every codec in the module and Strip can observe the
// filename change.
type FakeCompiler struct {
	mu       sync.Mutex
	compiled []string
	stripped []string
}

var _ pycode.Compiler = (*FakeCompiler)(nil)

// FakeCode returns the bytes FakeCompiler produces for source at filename.
func FakeCode(filename string, source []byte) []byte {
	data, err := marshal.Marshal(marshal.Tuple{"code", filename, source})
	if err != nil {
		panic(err)
	}
	return data
}

// Magic implements pycode.Compiler.
func (c *FakeCompiler) Magic(context.Context) ([]byte, error) {
	return append([]byte(nil), FakeMagic...), nil
}

// Compile implements pycode.Compiler.
func (c *FakeCompiler) Compile(_ context.Context, filename string, source []byte) ([]byte, error) {
	c.mu.Lock()
	c.compiled = append(c.compiled, filename)
	c.mu.Unlock()
	return FakeCode(filename, source), nil
}

// Strip implements pycode.Compiler.
func (c *FakeCompiler) Strip(_ context.Context, filename string, code []byte) ([]byte, error) {
	_, source, err := parseFake(code)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stripped = append(c.stripped, filename)
	c.mu.Unlock()
	return FakeCode(filename, source), nil
}

// Describe implements pycode.Compiler.
func (c *FakeCompiler) Describe(_ context.Context, code []byte) (pycode.Info, error) {
	filename, _, err := parseFake(code)
	if err != nil {
		return pycode.Info{}, err
	}
	return pycode.Info{Name: "<module>", Filename: filename, FirstLine: 1}, nil
}

// Compiled returns the filenames passed to Compile, in call order.
func (c *FakeCompiler) Compiled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.compiled...)
}

// Stripped returns the filenames passed to Strip, in call order.
func (c *FakeCompiler) Stripped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stripped...)
}

// ParseFakeCode returns the filename and source held by a fake code object.
func ParseFakeCode(code []byte) (filename string, source []byte, err error) {
	return parseFake(code)
}

func parseFake(code []byte) (string, []byte, error) {
	v, err := marshal.Unmarshal(code)
	if err != nil {
		return "", nil, err
	}
	t, ok := v.(marshal.Tuple)
	if !ok || len(t) != 3 || t[0] != "code" {
		return "", nil, errors.New("testutil: not a fake code object")
	}
	filename, ok := t[1].(string)
	if !ok {
		return "", nil, fmt.Errorf("testutil: filename is %T", t[1])
	}
	source, ok := t[2].([]byte)
	if !ok {
		return "", nil, fmt.Errorf("testutil: source is %T", t[2])
	}
	return filename, source, nil
}
