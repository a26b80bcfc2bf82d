package testutil

import "encoding/binary"

const (
	machHeader64 = 32
	machCPUAMD64 = 0x01000007
)

// MachOExecutable returns a minimal 64-bit Mach-O executable for cpu whose
// __LINKEDIT segment and string table start at linkeditOff and end at the
// end of the image.
func MachOExecutable(cpu uint32) (image []byte, linkeditOff int) {
	const (
		segCmdSize  = 72
		symtabSize  = 24
		linkeditLen = 64
	)
	linkeditOff = 4096
	image = make([]byte, linkeditOff+linkeditLen)
	le := binary.LittleEndian

	machHeader(image, cpu, 2, 2, segCmdSize+symtabSize) // MH_EXECUTE

	seg := image[machHeader64:]
	le.PutUint32(seg[0:], 0x19) // LC_SEGMENT_64
	le.PutUint32(seg[4:], segCmdSize)
	copy(seg[8:24], "__LINKEDIT")
	le.PutUint64(seg[24:], 0x100000000)
	le.PutUint64(seg[32:], 0x1000)
	le.PutUint64(seg[40:], uint64(linkeditOff))
	le.PutUint64(seg[48:], linkeditLen)

	sym := image[machHeader64+segCmdSize:]
	le.PutUint32(sym[0:], 0x2) // LC_SYMTAB
	le.PutUint32(sym[4:], symtabSize)
	le.PutUint32(sym[8:], uint32(linkeditOff))
	le.PutUint32(sym[12:], 0)
	le.PutUint32(sym[16:], uint32(linkeditOff))
	le.PutUint32(sym[20:], linkeditLen)
	return image, linkeditOff
}

// MachODylib returns a minimal x86-64 Mach-O dynamic library that loads
// each of deps.
func MachODylib(deps ...string) []byte {
	const dylibCmdSize = 24
	le := binary.LittleEndian

	var cmds []byte
	for _, dep := range deps {
		size := (dylibCmdSize + len(dep) + 1 + 7) &^ 7
		cmd := make([]byte, size)
		le.PutUint32(cmd[0:], 0xc) // LC_LOAD_DYLIB
		le.PutUint32(cmd[4:], uint32(size))
		le.PutUint32(cmd[8:], dylibCmdSize)
		le.PutUint32(cmd[16:], 0x10000)
		le.PutUint32(cmd[20:], 0x10000)
		copy(cmd[dylibCmdSize:], dep)
		cmds = append(cmds, cmd...)
	}

	image := make([]byte, machHeader64, machHeader64+len(cmds)+64)
	machHeader(image, machCPUAMD64, 6, len(deps), len(cmds)) // MH_DYLIB
	image = append(image, cmds...)
	return append(image, make([]byte, 64)...)
}

func machHeader(b []byte, cpu uint32, fileType uint32, ncmds, cmdsSize int) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], 0xfeedfacf)
	le.PutUint32(b[4:], cpu)
	le.PutUint32(b[8:], 3)
	le.PutUint32(b[12:], fileType)
	le.PutUint32(b[16:], uint32(ncmds))    //nolint:gosec // fixture sizes are tiny
	le.PutUint32(b[20:], uint32(cmdsSize)) //nolint:gosec // fixture sizes are tiny
}
