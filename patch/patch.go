package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/platform"
)

// Strategy names reported in Result.
const (
	StrategyAtomic  = "atomic"
	StrategyInPlace = "in-place"
	StrategySection = "section"
)

// sectionName is the ELF section some Linux bootloaders read the archive from.
const sectionName = "pydata"

// Result describes a patched host binary.
type Result struct {
	// Strategy is how the archive was replaced.
	Strategy string
	// PatchOffset is where the new archive begins. It is -1 for the
	// section strategy, where the tool decides the layout.
	PatchOffset int64
	// Size is the final size of the host binary.
	Size int64
	// Digest is the digest of the final host binary.
	Digest digest.Digest
}

// Patcher replaces the archive of host binaries.
type Patcher struct {
	platform     Platform
	runner       Runner
	logger       *slog.Logger
	inPlace      bool
	requireTools bool
	backup       string
	identity     string
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithPlatform selects the finalization strategy. The default is Generic,
// which only replaces the archive.
func WithPlatform(p Platform) Option {
	return func(pt *Patcher) {
		pt.platform = p
	}
}

// WithRunner sets how external tools are run.
func WithRunner(r Runner) Option {
	return func(pt *Patcher) {
		pt.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(pt *Patcher) {
		pt.logger = logger
	}
}

// WithInPlace rewrites the host binary through a single read-write handle
// instead of a temporary file. A failure part way through leaves the
// binary unusable.
func WithInPlace(enabled bool) Option {
	return func(pt *Patcher) {
		pt.inPlace = enabled
	}
}

// WithRequireTools makes a missing optional tool fatal.
func WithRequireTools(enabled bool) Option {
	return func(pt *Patcher) {
		pt.requireTools = enabled
	}
}

// WithBackup writes a zstd-compressed copy of the host binary to path
// before it is modified.
func WithBackup(path string) Option {
	return func(pt *Patcher) {
		pt.backup = path
	}
}

// WithIdentity sets the code signing identity used on Darwin. The default
// "-" signs ad hoc.
func WithIdentity(identity string) Option {
	return func(pt *Patcher) {
		pt.identity = identity
	}
}

// New creates a Patcher.
func New(opts ...Option) *Patcher {
	p := &Patcher{identity: "-"}
	for _, opt := range opts {
		opt(p)
	}
	if p.runner == nil {
		p.runner = ExecRunner{Logger: p.logger}
	}
	return p
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Patcher) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Platform returns the configured platform.
func (p *Patcher) Platform() Platform {
	return p.platform
}

// tool runs an external tool. A tool that is not installed is skipped with
// a warning unless required is set or the patcher requires all tools.
func (p *Patcher) tool(ctx context.Context, required bool, name string, args ...string) error {
	err := p.runner.Run(ctx, name, args...)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrToolNotFound) && !required && !p.requireTools {
		p.log().Warn("skipping missing tool", "tool", name)
		return nil
	}
	return err
}

// Patch replaces the archive embedded in exe with the archive file at
// pkgPath.
//
// The archive region is located from the cookie of the unmodified binary:
// it starts at size minus the archive length recorded there. The patched
// binary is exactly that prefix followed by the new archive, whether the
// new archive is larger or smaller.
//
// Unless in-place patching is enabled, exe is copied to a temporary file
// next to it and every step, signature removal included, runs on the copy.
// The copy replaces exe only once it is complete, so a failure leaves exe
// as it was.
func (p *Patcher) Patch(ctx context.Context, exe, pkgPath string) (Result, error) {
	p.log().Info("patching host binary", "exe", exe, "archive", pkgPath, "platform", p.platform.String())

	if p.backup != "" {
		if err := WriteBackup(ctx, exe, p.backup); err != nil {
			return Result{}, fmt.Errorf("backup %s: %w", exe, err)
		}
		p.log().Info("wrote backup", "path", p.backup)
	}

	if p.platform == Linux {
		ok, err := hasSection(exe, sectionName)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return p.patchSection(ctx, exe, pkgPath)
		}
	}

	var (
		res Result
		err error
	)
	if p.inPlace {
		res.Strategy = StrategyInPlace
		res.PatchOffset, err = p.patchFile(ctx, exe, pkgPath, filepath.Base(exe))
	} else {
		res.Strategy = StrategyAtomic
		res.PatchOffset, err = p.patchAtomic(ctx, exe, pkgPath)
	}
	if err != nil {
		return Result{}, err
	}
	return p.describe(exe, res)
}

func (p *Patcher) patchSection(ctx context.Context, exe, pkgPath string) (Result, error) {
	p.log().Info("replacing section", "section", sectionName, "archive", pkgPath)
	if err := p.tool(ctx, true, "objcopy", "--update-section", sectionName+"="+pkgPath, exe); err != nil {
		return Result{}, err
	}
	return p.describe(exe, Result{Strategy: StrategySection, PatchOffset: -1})
}

func (p *Patcher) describe(exe string, res Result) (Result, error) {
	f, err := os.Open(exe)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	cr := &file.CountingReader{R: f}
	d, err := digest.Canonical.FromReader(cr)
	if err != nil {
		return Result{}, err
	}
	res.Size = cr.N
	res.Digest = d
	p.log().Info("patched host binary", "exe", exe, "strategy", res.Strategy, "size", res.Size, "digest", res.Digest.String())
	return res, nil
}

// patchAtomic patches a copy of exe and renames it into place once it is
// complete and finalized.
func (p *Patcher) patchAtomic(ctx context.Context, exe, pkgPath string) (int64, error) {
	info, err := os.Stat(exe)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(exe), ".pyrepack-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}

	if err := appendFile(ctx, tmp, exe, make([]byte, file.CopyBufferSize)); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}

	offset, err := p.patchFile(ctx, tmpPath, pkgPath, filepath.Base(exe))
	if err != nil {
		return fail(err)
	}
	if err := platform.PreserveAttrs(tmpPath, info); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpPath, exe); err != nil {
		return fail(err)
	}
	return offset, nil
}

// patchFile overwrites the archive region of the binary at path, truncates
// it to the new length and finalizes it. name is the executable name the
// binary is signed under. It returns the patch offset.
func (p *Patcher) patchFile(ctx context.Context, path, pkgPath, name string) (int64, error) {
	if p.platform == Darwin {
		p.log().Info("removing signature", "path", path)
		if err := p.tool(ctx, false, "codesign", "--remove-signature", path); err != nil {
			return 0, err
		}
	}

	r, err := carchive.Open(path)
	if err != nil {
		return 0, err
	}
	length := int64(r.Cookie().Length)
	size := r.Size()
	r.Close()

	offset := size - length
	if offset < 0 {
		return 0, fmt.Errorf("%w: archive of %d bytes in %d byte binary", ErrTruncated, length, size)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return 0, err
	}
	if err := appendFile(ctx, f, pkgPath, make([]byte, file.CopyBufferSize)); err != nil {
		f.Close()
		return 0, err
	}
	end, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Truncate(end); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return offset, p.finalize(ctx, path, name)
}

func appendFile(ctx context.Context, dst io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := file.CopyWithContext(ctx, dst, f, buf); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

// finalize runs the platform fixups on a fully written binary.
func (p *Patcher) finalize(ctx context.Context, path, name string) error {
	switch p.platform {
	case Darwin:
		p.log().Info("fixing Mach-O header for code signing")
		if err := fixLinkedit(path, p.log()); err != nil {
			return err
		}
		p.log().Info("signing host binary", "identity", p.identity, "identifier", name)
		return p.tool(ctx, false, "codesign", "-f", "-s", p.identity, "--identifier", name, path)
	case Windows:
		sum, err := UpdatePEChecksum(path)
		if err != nil {
			return err
		}
		p.log().Debug("updated PE checksum", "checksum", fmt.Sprintf("0x%08x", sum))
	case Generic, Linux:
	}
	return nil
}
