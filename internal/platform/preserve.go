// Package platform holds the small OS-specific pieces needed to replace a
// file without changing who owns it or how it may be executed.
package platform

import (
	"errors"
	"io/fs"
	"os"
)

// PreserveAttrs copies the permission bits and, where the platform has
// them, the owner of info onto the file at path.
//
// A failed chown is ignored when the caller lacks the privilege to change
// ownership; the replacement then belongs to the caller, as any newly
// written file would.
func PreserveAttrs(path string, info fs.FileInfo) error {
	if err := os.Chmod(path, info.Mode().Perm()); err != nil {
		return err
	}
	uid, gid := FileOwner(info)
	if uid == 0 && gid == 0 {
		return nil
	}
	if err := os.Chown(path, int(uid), int(gid)); err != nil && !errors.Is(err, fs.ErrPermission) {
		return err
	}
	return nil
}
