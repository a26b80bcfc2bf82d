package patch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/pyrepack/internal/testutil"
)

// fakeRunner records tool invocations.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	missing map[string]bool
	fail    map[string]bool
	onRun   func(name string, args []string) error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	r.mu.Unlock()
	if r.missing[name] {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if r.fail[name] {
		return fmt.Errorf("%w: %s exited 1", ErrExternalTool, name)
	}
	if r.onRun != nil {
		return r.onRun(name, args)
	}
	return nil
}

func (r *fakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func pkgOf(n int) []byte {
	items := make([]testutil.PKGItem, 0, n)
	for i := range n {
		items = append(items, testutil.PKGItem{
			Name:     fmt.Sprintf("entry%02d", i),
			Type:     'x',
			Data:     bytes.Repeat([]byte{byte(i)}, 100*(i+1)),
			Compress: i%2 == 0,
		})
	}
	return testutil.BuildPKG(items, testutil.PKGOptions{PyVersion: 311, PyLibName: "libpython3.11.so.1.0"})
}

// writeHost writes stub+pkg as an executable and a replacement archive
// file, returning their paths.
func writeHost(t *testing.T, stub, pkg, newPkg []byte) (exe, pkgPath string) {
	t.Helper()
	dir := t.TempDir()
	exe = filepath.Join(dir, "app")
	pkgPath = filepath.Join(dir, "PKG-patched")
	require.NoError(t, os.WriteFile(exe, testutil.HostBinary(stub, pkg), 0o755))
	require.NoError(t, os.Chmod(exe, 0o755))
	require.NoError(t, os.WriteFile(pkgPath, newPkg, 0o644))
	return exe, pkgPath
}

// peStub returns a minimal PE image prefix.
func peStub() []byte {
	stub := make([]byte, 0x200)
	copy(stub, "MZ")
	binary.LittleEndian.PutUint32(stub[0x3c:], 0x80)
	copy(stub[0x80:], "PE\x00\x00")
	binary.LittleEndian.PutUint16(stub[0x84:], 0x8664)
	binary.LittleEndian.PutUint16(stub[0x84+16:], 0xf0)
	binary.LittleEndian.PutUint16(stub[0x98:], 0x20b)
	binary.LittleEndian.PutUint32(stub[0x98+64:], 0xdeadbeef)
	for i := 0x180; i < len(stub); i++ {
		stub[i] = byte(i)
	}
	return stub
}

// naivePEChecksum is a direct transcription of the checksum definition.
func naivePEChecksum(data []byte, sumOff int) uint32 {
	var sum uint32
	for i := 0; i < len(data); i += 2 {
		if i >= sumOff && i < sumOff+4 {
			continue
		}
		w := uint32(data[i])
		if i+1 < len(data) {
			w |= uint32(data[i+1]) << 8
		}
		sum += w
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return sum + uint32(len(data))
}

// elfStub returns a minimal 64-bit little-endian ELF file with a section
// named name holding payload.
func elfStub(name string, payload []byte) []byte {
	le := binary.LittleEndian
	shstr := append([]byte{0}, []byte(name)...)
	shstr = append(shstr, 0)
	shstrName := len(shstr)
	shstr = append(shstr, ".shstrtab\x00"...)

	const ehsize = 64
	dataOff := ehsize
	strOff := dataOff + len(payload)
	shoff := (strOff + len(shstr) + 7) &^ 7

	out := make([]byte, shoff+3*64)
	copy(out, "\x7fELF")
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // little endian
	out[6] = 1 // EV_CURRENT
	le.PutUint16(out[16:], 2)    // ET_EXEC
	le.PutUint16(out[18:], 0x3e) // x86-64
	le.PutUint32(out[20:], 1)
	le.PutUint64(out[40:], uint64(shoff))
	le.PutUint16(out[52:], ehsize)
	le.PutUint16(out[58:], 64)
	le.PutUint16(out[60:], 3)
	le.PutUint16(out[62:], 2)

	copy(out[dataOff:], payload)
	copy(out[strOff:], shstr)

	sec := func(i int, nameOff, typ uint32, off, size int) {
		h := out[shoff+i*64:]
		le.PutUint32(h[0:], nameOff)
		le.PutUint32(h[4:], typ)
		le.PutUint64(h[24:], uint64(off))
		le.PutUint64(h[32:], uint64(size))
		le.PutUint64(h[48:], 1)
	}
	sec(1, 1, 1, dataOff, len(payload))              // SHT_PROGBITS
	sec(2, uint32(shstrName), 3, strOff, len(shstr)) // SHT_STRTAB
	return out
}
