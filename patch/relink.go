package patch

import (
	"context"
	"debug/macho"
	"path"
	"strings"
)

// RelinkDylib rewrites the non-system dependencies of the dynamic library
// lib to paths relative to the library itself, as it will sit at
// bundleName inside the unpacked bundle. It does nothing off Darwin.
//
// A dependency "x/libfoo.dylib" of a library stored as "rt/lib.so" becomes
// "@loader_path/../libfoo.dylib".
func (p *Patcher) RelinkDylib(ctx context.Context, lib, bundleName string) error {
	if p.platform != Darwin {
		return nil
	}
	f, err := macho.Open(lib)
	if err != nil {
		return err
	}
	deps, err := f.ImportedLibraries()
	f.Close()
	if err != nil {
		return err
	}

	loader := "@loader_path/" + strings.Repeat("../", strings.Count(path.Clean(bundleName), "/"))
	var args []string
	for _, dep := range deps {
		if systemLibrary(dep) {
			continue
		}
		rel := loader + path.Base(dep)
		if rel == dep {
			continue
		}
		p.log().Debug("relinking dependency", "lib", lib, "from", dep, "to", rel)
		args = append(args, "-change", dep, rel)
	}
	if len(args) == 0 {
		return nil
	}
	args = append(args, lib)
	return p.tool(ctx, false, "install_name_tool", args...)
}

func systemLibrary(dep string) bool {
	return strings.HasPrefix(dep, "/usr/lib/") ||
		strings.HasPrefix(dep, "/System/Library/") ||
		strings.HasPrefix(dep, "@loader_path/") ||
		strings.HasPrefix(dep, "@executable_path/")
}
