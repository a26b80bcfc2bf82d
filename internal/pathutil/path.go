// Package pathutil maps dotted module names to slash-separated paths.
package pathutil

import (
	"path/filepath"
	"strings"
)

// ModulePath converts a dotted name such as "pkg.sub.mod" to "pkg/sub/mod".
// ".." is replaced by "__" first so a name cannot climb out of the
// directory it is resolved against.
func ModulePath(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "..", "__"), ".", "/")
}

// Join resolves the slash-separated path rel below dir. It reports false
// when rel is absolute or would leave dir.
func Join(dir, rel string) (string, bool) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", false
	}
	return filepath.Join(dir, local), true
}
