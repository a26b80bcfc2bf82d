package pycode

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// DefaultInterpreter is the interpreter used when none is configured.
const DefaultInterpreter = "python3"

//go:embed helper.py
var helperScript string

// Python implements Compiler by running an interpreter.
//
// The interpreter must match the one the bundle was built with, otherwise
// the produced code objects will not load. Magic is cached after the first
// call.
type Python struct {
	interpreter string
	logger      *slog.Logger

	magicOnce sync.Once
	magic     []byte
	magicErr  error
}

var _ Compiler = (*Python)(nil)

// PythonOption configures a Python compiler.
type PythonOption func(*Python)

// WithInterpreter sets the interpreter executable name or path.
func WithInterpreter(path string) PythonOption {
	return func(p *Python) {
		p.interpreter = path
	}
}

// WithLogger sets the logger for interpreter invocations.
func WithLogger(logger *slog.Logger) PythonOption {
	return func(p *Python) {
		p.logger = logger
	}
}

// NewPython creates a Python compiler.
func NewPython(opts ...PythonOption) *Python {
	p := &Python{interpreter: DefaultInterpreter}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Python) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Magic implements Compiler.
func (p *Python) Magic(ctx context.Context) ([]byte, error) {
	p.magicOnce.Do(func() {
		out, err := p.run(ctx, "magic", "-", nil)
		if err != nil {
			p.magicErr = err
			return
		}
		if len(out) != MagicSize {
			p.magicErr = fmt.Errorf("%w: interpreter returned %d byte magic", errdefs.ErrExternalTool, len(out))
			return
		}
		p.magic = out
	})
	return p.magic, p.magicErr
}

// Compile implements Compiler.
func (p *Python) Compile(ctx context.Context, filename string, source []byte) ([]byte, error) {
	return p.run(ctx, "compile", filename, source)
}

// Strip implements Compiler.
func (p *Python) Strip(ctx context.Context, filename string, code []byte) ([]byte, error) {
	return p.run(ctx, "strip", filename, code)
}

// Describe implements Compiler.
func (p *Python) Describe(ctx context.Context, code []byte) (Info, error) {
	out, err := p.run(ctx, "describe", "-", code)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return Info{}, fmt.Errorf("%w: decode describe output: %v", errdefs.ErrExternalTool, err)
	}
	return info, nil
}

func (p *Python) run(ctx context.Context, mode, filename string, stdin []byte) ([]byte, error) {
	p.log().Debug("running interpreter", "interpreter", p.interpreter, "mode", mode, "filename", filename)

	cmd := exec.CommandContext(ctx, p.interpreter, "-c", helperScript, mode, filename)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrToolNotFound, p.interpreter)
		}
		msg := strings.TrimSpace(stderr.String())
		return nil, fmt.Errorf("%w: %s %s %s: %v: %s", errdefs.ErrExternalTool, p.interpreter, mode, filename, err, msg)
	}
	return stdout.Bytes(), nil
}
