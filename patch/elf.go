package patch

import (
	"debug/elf"
	"errors"
	"io/fs"
)

// hasSection reports whether path is an ELF file with the named section.
// Files that are not ELF report false.
func hasSection(path, name string) (bool, error) {
	f, err := elf.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return false, nil
	}
	defer f.Close()
	return f.Section(name) != nil, nil
}
