package pyrepack

import (
	"log/slog"

	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/patch"
	"github.com/meigma/pyrepack/pycode"
)

// Option configures Extract and Resume.
type Option func(*config)

type config struct {
	logger   *slog.Logger
	compiler pycode.Compiler
	patcher  *patch.Patcher
}

// WithLogger sets the logger. Nothing is logged by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithCompiler sets the compiler used for replacement sources. The default
// runs the python3 interpreter found on PATH, which must match the
// interpreter version of the bundle.
func WithCompiler(compiler pycode.Compiler) Option {
	return func(c *config) {
		c.compiler = compiler
	}
}

// WithPatcher sets the patcher used for the final step. The default
// patches for the host platform.
func WithPatcher(p *patch.Patcher) Option {
	return func(c *config) {
		c.patcher = p
	}
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.compiler == nil {
		c.compiler = pycode.NewPython(pycode.WithLogger(c.logger))
	}
	if c.patcher == nil {
		c.patcher = patch.New(patch.WithPlatform(patch.HostPlatform()), patch.WithLogger(c.logger))
	}
	return c
}

// writerOptions returns the package archive writer options for the
// configured platform.
func (c config) writerOptions() []carchive.Option {
	opts := []carchive.Option{
		carchive.WithCompiler(c.compiler),
		carchive.WithLogger(c.logger),
	}
	if c.patcher.Platform() == patch.Windows {
		opts = append(opts, carchive.WithPathSeparator('\\'))
	}
	return opts
}

// RepackOption configures a Repack call.
type RepackOption func(*repackConfig)

type repackConfig struct {
	entry   string
	oneFile *bool
}

// RepackWithEntry names the entry script in the log. It defaults to the
// executable name without its extension.
func RepackWithEntry(name string) RepackOption {
	return func(cfg *repackConfig) {
		cfg.entry = name
	}
}

// RepackWithOneFile overrides one-file detection.
//
// One-file executables unpack everything from the package archive at
// startup, so the runtime library is bundled as an archive entry.
// Otherwise it is copied next to the executable. By default an archive
// with more than 10 entries is treated as one-file.
func RepackWithOneFile(enabled bool) RepackOption {
	return func(cfg *repackConfig) {
		cfg.oneFile = &enabled
	}
}
