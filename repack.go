package pyrepack

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/index"
	"github.com/meigma/pyrepack/internal/pathutil"
	"github.com/meigma/pyrepack/internal/platform"
	"github.com/meigma/pyrepack/patch"
	"github.com/meigma/pyrepack/pycode"
	"github.com/meigma/pyrepack/pyz"
)

// RuntimePrefix starts the file name of the native runtime library.
const RuntimePrefix = "pyarmor_runtime"

// Result describes a completed repack.
type Result struct {
	// Rebuilt lists the PYZ archives that were rebuilt.
	Rebuilt []string
	// Runtime is the native runtime library that was installed.
	Runtime string
	// OneFile reports whether Runtime was bundled into the package archive
	// rather than copied next to the executable.
	OneFile bool
	// Archive describes the rebuilt package archive.
	Archive carchive.Result
	// Patch describes the patched executable.
	Patch patch.Result
}

// Repack rebuilds the bundle from the replacement tree srcDir and patches
// it into the executable.
//
// runtimeName is the runtime package directory inside srcDir. Its
// __init__.py is compiled into every PYZ archive as a package of the same
// name, and its native library is bundled or installed next to the
// executable.
//
// PYZ modules and packages are taken from the first of name.py (compiled),
// name.pyc (checked against the archive's bytecode magic) in srcDir and
// the extracted .pyc. Data entries are taken from srcDir if present and
// from the extraction otherwise. Package archive entries of type m, s and
// M are replaced when srcDir holds name.py or name/__init__.py; everything
// else is copied from the executable.
//
// A missing runtime fails with ErrRuntimeNotFound before anything is
// written.
func (rp *Repacker) Repack(ctx context.Context, srcDir, runtimeName string, opts ...RepackOption) (Result, error) {
	var rc repackConfig
	for _, opt := range opts {
		opt(&rc)
	}
	log := rp.cfg.logger
	exe := rp.exe
	srcDir = filepath.Clean(srcDir)

	entry := rc.entry
	if entry == "" {
		base := filepath.Base(exe)
		entry = strings.TrimSuffix(base, filepath.Ext(base))
	}
	log.Info("repack bundle", "exe", exe, "src", srcDir, "entry", entry+".py")

	rtPath := filepath.Join(srcDir, runtimeName)
	rtName := filepath.Base(rtPath)
	rtLib, err := findRuntime(rtPath)
	if err != nil {
		return Result{}, err
	}
	log.Info("found runtime", "package", rtName, "library", rtLib)

	r, err := carchive.Open(exe)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()
	if r.Size() != rp.manifest.ExecutableSize {
		return Result{}, fmt.Errorf("%w: %s changed since extraction", ErrStaleManifest, exe)
	}

	res := Result{Runtime: rtLib, OneFile: rp.OneFile()}
	if rc.oneFile != nil {
		res.OneFile = *rc.oneFile
	}

	rebuilt := make(map[string]bool, len(rp.manifest.Archives))
	for _, a := range rp.manifest.Archives {
		log.Info("repack archive", "name", a.Name)
		if err := rp.repackPYZ(ctx, r, a, srcDir, rtPath, rtName); err != nil {
			return Result{}, fmt.Errorf("repack %q: %w", a.Name, err)
		}
		rebuilt[a.Name] = true
		res.Rebuilt = append(res.Rebuilt, a.Name)
	}

	// The replacement tree is read-only; the library is relinked on a copy.
	libName := path.Join(rtName, filepath.Base(rtLib))
	lib := filepath.Join(rp.workDir, filepath.FromSlash(libName))
	if err := copyFile(ctx, rtLib, lib); err != nil {
		return Result{}, fmt.Errorf("stage runtime library: %w", err)
	}
	if err := rp.cfg.patcher.RelinkDylib(ctx, lib, libName); err != nil {
		return Result{}, fmt.Errorf("relink %s: %w", lib, err)
	}

	entries := rp.logicalTOC(r, srcDir, rebuilt)
	if res.OneFile {
		entries = append(entries, carchive.LogicalEntry{
			Name:     libName,
			Source:   lib,
			Compress: true,
			Type:     carchive.TypeBinary,
		})
	} else {
		dst := filepath.Join(filepath.Dir(exe), rtName, filepath.Base(rtLib))
		log.Info("install runtime library", "path", dst)
		if err := copyFile(ctx, lib, dst); err != nil {
			return Result{}, fmt.Errorf("install runtime library: %w", err)
		}
	}

	pkgPath := filepath.Join(rp.workDir, PatchedName)
	if res.Archive, err = rp.writePKG(ctx, r, entries, pkgPath); err != nil {
		return Result{}, err
	}
	if err := r.Close(); err != nil {
		return Result{}, err
	}

	if res.Patch, err = rp.cfg.patcher.Patch(ctx, exe, pkgPath); err != nil {
		return Result{}, err
	}
	log.Info("generated patched bundle", "exe", exe, "size", res.Patch.Size, "digest", res.Patch.Digest.String())
	return res, nil
}

// findRuntime returns the native runtime library in rtPath.
func findRuntime(rtPath string) (string, error) {
	ents, err := os.ReadDir(rtPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRuntimeNotFound, err)
	}
	if !exists(filepath.Join(rtPath, "__init__.py")) {
		return "", fmt.Errorf("%w: %s has no __init__.py", ErrRuntimeNotFound, rtPath)
	}
	for _, de := range ents {
		name := de.Name()
		ext := filepath.Ext(name)
		if !de.IsDir() && strings.HasPrefix(name, RuntimePrefix) && (ext == ".so" || ext == ".pyd") {
			return filepath.Join(rtPath, name), nil
		}
	}
	return "", fmt.Errorf("%w: no %s*.so or %s*.pyd in %s", ErrRuntimeNotFound, RuntimePrefix, RuntimePrefix, rtPath)
}

func (rp *Repacker) repackPYZ(ctx context.Context, r *carchive.Reader, a index.Archive, srcDir, rtPath, rtName string) error {
	log := rp.cfg.logger
	extracted := filepath.Join(rp.workDir, a.Dir)

	text, err := os.ReadFile(filepath.Join(rtPath, "__init__.py"))
	if err != nil {
		return err
	}
	code, err := rp.cfg.compiler.Compile(ctx, frozenName(rtName), text)
	if err != nil {
		return fmt.Errorf("compile runtime package: %w", err)
	}
	entries := []pyz.WriteEntry{{Name: rtName, Type: pyz.TypePackage, Data: code}}

	var nested *pyz.Reader
	for _, e := range uniquePYZ(a.Entries) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Name == rtName {
			log.Warn("runtime package replaces archive entry", "name", e.Name)
			continue
		}
		var we pyz.WriteEntry
		switch e.Type {
		case pyz.TypeModule, pyz.TypePackage:
			data, err := rp.moduleCode(ctx, e, srcDir, extracted, a.Magic)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.Name, err)
			}
			we = pyz.WriteEntry{Name: e.Name, Type: e.Type, Data: data}
		case pyz.TypeData:
			rel := filepath.FromSlash(pathutil.ModulePath(e.Name))
			p := filepath.Join(srcDir, rel)
			if !exists(p) {
				p = filepath.Join(extracted, rel)
			} else {
				log.Info("replace item", "name", e.Name, "path", p)
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.Name, err)
			}
			we = pyz.WriteEntry{Name: e.Name, Type: e.Type, Data: data}
		case pyz.TypeNamespacePackage:
			if nested == nil {
				if nested, err = r.OpenNested(a.Name); err != nil {
					return err
				}
			}
			raw, err := nested.Raw(e.Name)
			if err != nil {
				return err
			}
			we = pyz.WriteEntry{Name: e.Name, Type: e.Type, Raw: raw}
		default:
			return fmt.Errorf("%w: %s for %q", ErrUnknownType, e.Type, e.Name)
		}
		entries = append(entries, we)
	}

	f, err := os.Create(filepath.Join(rp.workDir, a.Name))
	if err != nil {
		return err
	}
	w := pyz.NewWriter(a.Magic, pyz.WithLogger(log))
	if err := w.Create(ctx, f, entries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// moduleCode returns the code object for a module or package entry.
func (rp *Repacker) moduleCode(ctx context.Context, e pyz.Entry, srcDir, extracted string, magic []byte) ([]byte, error) {
	rel := filepath.FromSlash(pathutil.ModulePath(e.Name))
	if e.Type == pyz.TypePackage {
		rel = filepath.Join(rel, "__init__")
	}
	base := filepath.Join(srcDir, rel)

	if p := base + ".py"; exists(p) {
		rp.cfg.logger.Info("replace item", "name", e.Name, "path", p)
		text, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		return rp.cfg.compiler.Compile(ctx, frozenName(e.Name), text)
	}
	if p := base + ".pyc"; exists(p) {
		rp.cfg.logger.Info("replace item", "name", e.Name, "path", p)
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		code, err := pycode.ReadPyc(data, magic)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		return code, nil
	}
	p := filepath.Join(extracted, filepath.FromSlash(entryFile(e)))
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return pycode.ReadPyc(data, nil)
}

// logicalTOC lists the package archive entries to write, one per distinct
// name in the order of first appearance.
func (rp *Repacker) logicalTOC(r *carchive.Reader, srcDir string, rebuilt map[string]bool) []carchive.LogicalEntry {
	unique := r.TOC().Unique()
	entries := make([]carchive.LogicalEntry, 0, len(unique)+1)
	for _, e := range unique {
		var source string
		switch e.Type {
		case carchive.TypeModule, carchive.TypeSource:
			source = filepath.Join(srcDir, filepath.FromSlash(e.Name)+".py")
		case carchive.TypePackage:
			source = filepath.Join(srcDir, filepath.FromSlash(e.Name), "__init__.py")
		case carchive.TypeZlib, carchive.TypeZipFile:
			if rebuilt[e.Name] {
				source = filepath.Join(rp.workDir, e.Name)
			}
		}
		if source != "" && !exists(source) {
			source = ""
		}
		entries = append(entries, carchive.LogicalEntry{
			Name:     e.Name,
			Source:   source,
			Compress: e.Compressed,
			Type:     e.Type,
		})
	}
	return entries
}

func (rp *Repacker) writePKG(ctx context.Context, r *carchive.Reader, entries []carchive.LogicalEntry, pkgPath string) (carchive.Result, error) {
	f, err := os.Create(pkgPath)
	if err != nil {
		return carchive.Result{}, err
	}
	w := carchive.NewWriter(rp.cfg.writerOptions()...)
	res, err := w.Create(ctx, f, entries, r)
	if err != nil {
		f.Close()
		return carchive.Result{}, err
	}
	if err := f.Close(); err != nil {
		return carchive.Result{}, err
	}
	return res, nil
}

// uniquePYZ collapses repeated names to one entry at the position of the
// first occurrence carrying the last occurrence's fields.
func uniquePYZ(entries []pyz.Entry) []pyz.Entry {
	pos := make(map[string]int, len(entries))
	out := make([]pyz.Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := pos[e.Name]; ok {
			out[i] = e
			continue
		}
		pos[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}

// frozenName is the code filename the bootloader's importer reports for
// an archived module.
func frozenName(name string) string {
	return "<frozen " + name + ">"
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := file.CopyWithContext(ctx, out, in, make([]byte, file.CopyBufferSize)); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return platform.PreserveAttrs(dst, info)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
