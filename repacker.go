package pyrepack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/internal/index"
	"github.com/meigma/pyrepack/internal/pathutil"
	"github.com/meigma/pyrepack/pycode"
	"github.com/meigma/pyrepack/pyz"
)

const (
	// ExtractSuffix is appended to a PYZ entry name to form its extraction
	// directory.
	ExtractSuffix = "_extracted"

	// ManifestName is the extraction index inside the working directory.
	ManifestName = ".pyrepack-manifest"

	// PatchedName is the rebuilt package archive inside the working
	// directory.
	PatchedName = "PKG-patched"

	// oneFileThreshold is the number of package archive entries above which
	// an executable is treated as one-file.
	oneFileThreshold = 10
)

// Repacker holds the state of one extraction.
//
// A Repacker exclusively owns its working directory. It must not be used
// concurrently, and two Repackers must not share a working directory.
type Repacker struct {
	exe      string
	workDir  string
	manifest index.Manifest
	cfg      config
}

// Extract unpacks every PYZ archive in the executable exe into workDir.
//
// workDir is removed and recreated first. Each archive named N is
// extracted to N_extracted: modules become name.pyc, packages
// name/__init__.pyc, and data entries are written as stored. Dots in
// module names become directory separators.
func Extract(ctx context.Context, exe, workDir string, opts ...Option) (*Repacker, error) {
	cfg := newConfig(opts)
	log := cfg.logger
	log.Info("extracting bundle", "exe", exe, "workdir", workDir)

	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("clean working directory: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	r, err := carchive.Open(exe)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	unique := r.TOC().Unique()
	m := index.Manifest{
		Executable:     exe,
		ExecutableSize: r.Size(),
		ArchiveLength:  r.Cookie().Length,
		OuterEntries:   uint32(len(unique)), //nolint:gosec // bounded by the 32-bit TOC length
	}
	for _, e := range unique {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("extract entry", "name", e.Name, "type", e.Type.String())
		if !e.Type.Nested() {
			continue
		}
		if !filepath.IsLocal(e.Name) {
			return nil, fmt.Errorf("%w: archive name %q escapes the working directory", ErrFormat, e.Name)
		}
		pr, err := r.OpenNested(e.Name)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", e.Name, err)
		}
		dir := e.Name + ExtractSuffix
		if err := extractPYZ(ctx, pr, filepath.Join(workDir, dir)); err != nil {
			return nil, fmt.Errorf("extract %q: %w", e.Name, err)
		}
		log.Info("extracted archive", "name", e.Name, "entries", len(pr.Entries()), "dir", dir)
		m.Archives = append(m.Archives, index.Archive{
			Name:    e.Name,
			Dir:     dir,
			Magic:   pr.BytecodeMagic(),
			Entries: pr.Entries(),
		})
	}

	data, err := index.Build(m)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(workDir, ManifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return &Repacker{exe: exe, workDir: workDir, manifest: m, cfg: cfg}, nil
}

// Resume returns the Repacker for a working directory filled by an
// earlier Extract of exe.
//
// It fails with ErrStaleManifest if exe has changed size since then,
// which is the case once it has been repacked.
func Resume(exe, workDir string, opts ...Option) (*Repacker, error) {
	data, err := os.ReadFile(filepath.Join(workDir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := index.Load(data)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(exe)
	if err != nil {
		return nil, err
	}
	if info.Size() != m.ExecutableSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, extracted from %d bytes", ErrStaleManifest, exe, info.Size(), m.ExecutableSize)
	}
	return &Repacker{exe: exe, workDir: workDir, manifest: m, cfg: newConfig(opts)}, nil
}

// Executable returns the path of the bundled executable.
func (rp *Repacker) Executable() string {
	return rp.exe
}

// WorkDir returns the working directory.
func (rp *Repacker) WorkDir() string {
	return rp.workDir
}

// Archives returns the names of the extracted PYZ archives.
func (rp *Repacker) Archives() []string {
	names := make([]string, len(rp.manifest.Archives))
	for i, a := range rp.manifest.Archives {
		names[i] = a.Name
	}
	return names
}

// OneFile reports whether the executable looks like a one-file bundle.
func (rp *Repacker) OneFile() bool {
	return rp.manifest.OuterEntries > oneFileThreshold
}

// entryFile returns the extraction path of e relative to its archive
// directory, or "" for entries that are not extracted.
func entryFile(e pyz.Entry) string {
	p := pathutil.ModulePath(e.Name)
	switch e.Type {
	case pyz.TypePackage:
		return p + "/__init__.pyc"
	case pyz.TypeModule:
		return p + ".pyc"
	case pyz.TypeData:
		return p
	default:
		return ""
	}
}

func extractPYZ(ctx context.Context, pr *pyz.Reader, dir string) error {
	magic := pr.BytecodeMagic()
	for _, e := range pr.Entries() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := entryFile(e)
		if rel == "" {
			continue
		}
		target, ok := pathutil.Join(dir, rel)
		if !ok {
			return fmt.Errorf("%w: entry name %q escapes the extraction directory", ErrFormat, e.Name)
		}
		data, err := pr.Extract(e.Name)
		if err != nil {
			return err
		}
		if e.Type != pyz.TypeData {
			data = pycode.TimestampPyc(magic, data)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
