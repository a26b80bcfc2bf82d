package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// Sentinel errors.
var (
	// ErrExternalTool is the class of failures reported by external tools.
	ErrExternalTool = errdefs.ErrExternalTool
	// ErrToolNotFound is returned when a tool is not installed.
	ErrToolNotFound = errdefs.ErrToolNotFound
	// ErrTruncated is returned when the host binary is shorter than its
	// archive claims.
	ErrTruncated = errdefs.ErrTruncated
	// ErrFormat is the class of host binary decoding failures.
	ErrFormat = errdefs.ErrFormat
)

// Runner runs an external tool to completion.
//
// Implementations return an error wrapping ErrToolNotFound when the tool is
// not installed and one wrapping ErrExternalTool when it fails.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if r.Logger != nil {
		r.Logger.Debug("running tool", "tool", name, "args", strings.Join(args, " "))
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		return fmt.Errorf("%w: %s %s: %v: %s", ErrExternalTool, name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}
