package patch

import (
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

const (
	machHeaderSize32 = 28
	machHeaderSize64 = 32

	pageSize      = 0x1000
	pageSizeARM64 = 0x4000
)

// fixLinkedit stretches the __LINKEDIT segment and the symbol string table
// of a thin Mach-O binary so they cover everything up to the end of the
// file, which is what codesign requires of appended data.
//
// Universal binaries are left untouched with a warning.
func fixLinkedit(path string, logger *slog.Logger) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	mf, err := macho.NewFile(f)
	if err != nil {
		var fe *macho.FormatError
		if errors.As(err, &fe) {
			if _, ferr := macho.NewFatFile(f); ferr == nil {
				logger.Warn("skipping Mach-O fixup of universal binary", "path", path)
				return nil
			}
		}
		return fmt.Errorf("%w: %s is not a Mach-O binary: %v", ErrFormat, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}

	headerSize := int64(machHeaderSize32)
	if mf.Magic == macho.Magic64 {
		headerSize = machHeaderSize64
	}
	page := uint64(pageSize)
	if mf.Cpu == macho.CpuArm64 {
		page = pageSizeARM64
	}

	cmds := make([]byte, mf.Cmdsz)
	if _, err := f.ReadAt(cmds, headerSize); err != nil {
		return fmt.Errorf("read load commands: %w", err)
	}
	if err := rewriteLinkedit(cmds, mf.ByteOrder, uint64(info.Size()), page); err != nil { //nolint:gosec // sizes are non-negative
		return err
	}
	if _, err := f.WriteAt(cmds, headerSize); err != nil {
		return fmt.Errorf("write load commands: %w", err)
	}
	return nil
}

// rewriteLinkedit patches the load commands in cmds for a file of size
// bytes.
func rewriteLinkedit(cmds []byte, order binary.ByteOrder, size, page uint64) error {
	var sawLinkedit, sawSymtab bool
	for off := 0; off < len(cmds); {
		if off+8 > len(cmds) {
			return fmt.Errorf("%w: truncated load command at offset %d", ErrFormat, off)
		}
		cmd := macho.LoadCmd(order.Uint32(cmds[off:]))
		cmdsize := int(order.Uint32(cmds[off+4:]))
		if cmdsize < 8 || off+cmdsize > len(cmds) {
			return fmt.Errorf("%w: invalid load command size %d at offset %d", ErrFormat, cmdsize, off)
		}
		c := cmds[off : off+cmdsize]

		switch cmd {
		case macho.LoadCmdSegment:
			if cmdsize >= 40 && segmentName(c[8:24]) == "__LINKEDIT" {
				fileoff := uint64(order.Uint32(c[32:]))
				filesize := size - fileoff
				if filesize > 0xffffffff {
					return fmt.Errorf("%w: __LINKEDIT exceeds 32-bit limit", ErrFormat)
				}
				order.PutUint32(c[28:], uint32(roundUp(filesize, page))) //nolint:gosec // checked above
				order.PutUint32(c[36:], uint32(filesize))
				sawLinkedit = true
			}
		case macho.LoadCmdSegment64:
			if cmdsize >= 56 && segmentName(c[8:24]) == "__LINKEDIT" {
				fileoff := order.Uint64(c[40:])
				filesize := size - fileoff
				order.PutUint64(c[32:], roundUp(filesize, page))
				order.PutUint64(c[48:], filesize)
				sawLinkedit = true
			}
		case macho.LoadCmdSymtab:
			if cmdsize >= 24 {
				stroff := uint64(order.Uint32(c[16:]))
				order.PutUint32(c[20:], uint32(size-stroff)) //nolint:gosec // string table sits below 4GiB
				sawSymtab = true
			}
		}
		off += cmdsize
	}
	if !sawLinkedit {
		return fmt.Errorf("%w: __LINKEDIT segment load command not found", ErrFormat)
	}
	if !sawSymtab {
		return fmt.Errorf("%w: LC_SYMTAB load command not found", ErrFormat)
	}
	return nil
}

func segmentName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
