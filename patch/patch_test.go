package patch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/internal/testutil"
)

func TestPatchTruncationCorrectness(t *testing.T) {
	t.Parallel()

	stub := testutil.Bootloader(5000)
	orig := pkgOf(6)
	tests := []struct {
		name    string
		newPkg  []byte
		inPlace bool
	}{
		{"larger atomic", pkgOf(12), false},
		{"smaller atomic", pkgOf(2), false},
		{"larger in place", pkgOf(12), true},
		{"smaller in place", pkgOf(2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exe, pkgPath := writeHost(t, stub, orig, tt.newPkg)

			res, err := New(WithInPlace(tt.inPlace), WithRunner(&fakeRunner{})).Patch(context.Background(), exe, pkgPath)
			require.NoError(t, err)

			got, err := os.ReadFile(exe)
			require.NoError(t, err)
			assert.Equal(t, int64(len(stub)), res.PatchOffset)
			assert.Len(t, got, len(stub)+len(tt.newPkg))
			assert.Equal(t, int64(len(got)), res.Size)
			assert.Equal(t, stub, got[:len(stub)])
			assert.Equal(t, tt.newPkg, got[len(stub):])
			assert.Equal(t, digest.FromBytes(got), res.Digest)

			info, err := os.Stat(exe)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

			r, err := carchive.Open(exe)
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, int64(len(stub)), r.Start())
		})
	}
}

func TestPatchAtomicLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	exe, pkgPath := writeHost(t, testutil.Bootloader(100), pkgOf(3), pkgOf(4))

	_, err := New().Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(exe))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".pyrepack-"), e.Name())
	}
}

func TestPatchAtomicKeepsOriginalOnFailure(t *testing.T) {
	t.Parallel()
	stub := testutil.Bootloader(100)
	orig := pkgOf(3)
	exe, _ := writeHost(t, stub, orig, nil)
	before, err := os.ReadFile(exe)
	require.NoError(t, err)

	_, err = New().Patch(context.Background(), exe, filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	after, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatchRejectsForeignBinary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	exe := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(exe, testutil.Bootloader(4096), 0o755))

	_, err := New().Patch(context.Background(), exe, exe)
	require.ErrorIs(t, err, carchive.ErrMagicNotFound)
}

func TestPatchLinuxSection(t *testing.T) {
	t.Parallel()
	orig := pkgOf(3)
	exe, pkgPath := writeHost(t, elfStub("pydata", orig), nil, pkgOf(5))

	runner := &fakeRunner{}
	res, err := New(WithPlatform(Linux), WithRunner(runner)).Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)
	assert.Equal(t, StrategySection, res.Strategy)
	assert.Equal(t, []string{"objcopy --update-section pydata=" + pkgPath + " " + exe}, runner.Calls())

	runner = &fakeRunner{missing: map[string]bool{"objcopy": true}}
	_, err = New(WithPlatform(Linux), WithRunner(runner)).Patch(context.Background(), exe, pkgPath)
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestPatchLinuxWithoutSection(t *testing.T) {
	t.Parallel()
	stub := elfStub(".text", []byte{0xc3})
	newPkg := pkgOf(2)
	exe, pkgPath := writeHost(t, stub, pkgOf(4), newPkg)

	runner := &fakeRunner{}
	res, err := New(WithPlatform(Linux), WithRunner(runner)).Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)
	assert.Equal(t, StrategyAtomic, res.Strategy)
	assert.Empty(t, runner.Calls())

	got, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Clone(stub), newPkg...), got)
}

func TestPatchDarwin(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		cpu  uint32
		page uint64
	}{
		{"amd64", 0x01000007, 0x1000},
		{"arm64", 0x0100000c, 0x4000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			stub, linkeditOff := testutil.MachOExecutable(tc.cpu)
			exe, pkgPath := writeHost(t, stub, pkgOf(3), pkgOf(7))

			runner := &fakeRunner{}
			_, err := New(WithPlatform(Darwin), WithRunner(runner), WithIdentity("Developer ID")).Patch(context.Background(), exe, pkgPath)
			require.NoError(t, err)

			calls := runner.Calls()
			require.Len(t, calls, 2)
			tmpPrefix := filepath.Join(filepath.Dir(exe), ".pyrepack-")
			tmp, ok := strings.CutPrefix(calls[0], "codesign --remove-signature ")
			require.True(t, ok, calls[0])
			assert.True(t, strings.HasPrefix(tmp, tmpPrefix), tmp)
			assert.Equal(t, "codesign -f -s Developer ID --identifier app "+tmp, calls[1])
			assert.NoFileExists(t, tmp)

			got, err := os.ReadFile(exe)
			require.NoError(t, err)
			size := uint64(len(got))
			le := binary.LittleEndian
			seg := got[32:]
			assert.Equal(t, size-uint64(linkeditOff), le.Uint64(seg[48:]))
			assert.Equal(t, (size-uint64(linkeditOff)+tc.page-1)/tc.page*tc.page, le.Uint64(seg[32:]))
			sym := got[32+72:]
			assert.Equal(t, uint32(size)-uint32(linkeditOff), le.Uint32(sym[20:]))
		})
	}
}

func TestPatchDarwinToolPolicy(t *testing.T) {
	t.Parallel()
	stub, _ := testutil.MachOExecutable(0x01000007)

	exe, pkgPath := writeHost(t, stub, pkgOf(3), pkgOf(3))
	_, err := New(WithPlatform(Darwin), WithRunner(&fakeRunner{missing: map[string]bool{"codesign": true}})).
		Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)

	exe, pkgPath = writeHost(t, stub, pkgOf(3), pkgOf(3))
	_, err = New(WithPlatform(Darwin), WithRequireTools(true), WithRunner(&fakeRunner{missing: map[string]bool{"codesign": true}})).
		Patch(context.Background(), exe, pkgPath)
	require.ErrorIs(t, err, ErrToolNotFound)

	exe, pkgPath = writeHost(t, stub, pkgOf(3), pkgOf(3))
	_, err = New(WithPlatform(Darwin), WithRunner(&fakeRunner{fail: map[string]bool{"codesign": true}})).
		Patch(context.Background(), exe, pkgPath)
	require.ErrorIs(t, err, ErrExternalTool)
}

// unsign stands in for codesign --remove-signature by marking an unused
// byte of the load command area, and fails signing when failSign is set.
func unsign(failSign bool) func(string, []string) error {
	return func(_ string, args []string) error {
		switch args[0] {
		case "--remove-signature":
			f, err := os.OpenFile(args[1], os.O_RDWR, 0)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = f.WriteAt([]byte{0xaa}, 2000)
			return err
		case "-f":
			if failSign {
				return fmt.Errorf("%w: codesign exited 1", ErrExternalTool)
			}
		}
		return nil
	}
}

func TestPatchDarwinFailureKeepsOriginal(t *testing.T) {
	t.Parallel()
	stub, _ := testutil.MachOExecutable(0x01000007)
	exe, pkgPath := writeHost(t, stub, pkgOf(3), pkgOf(5))
	before, err := os.ReadFile(exe)
	require.NoError(t, err)

	_, err = New(WithPlatform(Darwin), WithRunner(&fakeRunner{onRun: unsign(true)})).
		Patch(context.Background(), exe, pkgPath)
	require.ErrorIs(t, err, ErrExternalTool)

	after, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(filepath.Dir(exe))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".pyrepack-"), e.Name())
	}

	_, err = New(WithPlatform(Darwin), WithRunner(&fakeRunner{onRun: unsign(false)})).
		Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)
	after, err = os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), after[2000])
}

func TestPatchDarwinInPlace(t *testing.T) {
	t.Parallel()
	stub, _ := testutil.MachOExecutable(0x01000007)
	exe, pkgPath := writeHost(t, stub, pkgOf(3), pkgOf(5))

	runner := &fakeRunner{}
	res, err := New(WithPlatform(Darwin), WithInPlace(true), WithRunner(runner)).
		Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)
	assert.Equal(t, StrategyInPlace, res.Strategy)
	assert.Equal(t, []string{
		"codesign --remove-signature " + exe,
		"codesign -f -s - --identifier app " + exe,
	}, runner.Calls())
}

func TestPatchWindowsChecksum(t *testing.T) {
	t.Parallel()
	stub := peStub()
	exe, pkgPath := writeHost(t, stub, pkgOf(3), pkgOf(5))

	_, err := New(WithPlatform(Windows)).Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)

	got, err := os.ReadFile(exe)
	require.NoError(t, err)
	sumOff := 0x80 + 4 + 20 + 64
	assert.Equal(t, naivePEChecksum(got, sumOff), binary.LittleEndian.Uint32(got[sumOff:]))
	assert.Equal(t, stub[:sumOff], got[:sumOff])
}

func TestPEChecksumOddLength(t *testing.T) {
	t.Parallel()
	data := append(peStub(), 0x11, 0x22, 0x33)
	sumOff := int64(0x80 + 4 + 20 + 64)

	sum, err := PEChecksum(bytes.NewReader(data), int64(len(data)), sumOff)
	require.NoError(t, err)
	assert.Equal(t, naivePEChecksum(data, int(sumOff)), sum)

	off, err := peChecksumOffset(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, sumOff, off)

	_, err = peChecksumOffset(bytes.NewReader(testutil.Bootloader(256)), 256)
	require.ErrorIs(t, err, ErrFormat)
}

func TestPatchWithBackup(t *testing.T) {
	t.Parallel()
	exe, pkgPath := writeHost(t, testutil.Bootloader(300), pkgOf(3), pkgOf(5))
	before, err := os.ReadFile(exe)
	require.NoError(t, err)
	backup := filepath.Join(t.TempDir(), "app.zst")

	_, err = New(WithBackup(backup)).Patch(context.Background(), exe, pkgPath)
	require.NoError(t, err)

	compressed, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(before))

	require.NoError(t, RestoreBackup(context.Background(), backup, exe))
	after, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRelinkDylibOffDarwin(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	require.NoError(t, New(WithPlatform(Linux), WithRunner(runner)).RelinkDylib(context.Background(), "missing.so", "rt/x.so"))
	assert.Empty(t, runner.Calls())
}

func TestRelinkDylib(t *testing.T) {
	t.Parallel()
	lib := filepath.Join(t.TempDir(), "pyarmor_runtime.so")
	require.NoError(t, os.WriteFile(lib, testutil.MachODylib(
		"/usr/lib/libSystem.B.dylib",
		"/opt/vendor/lib/libssl.3.dylib",
		"@loader_path/../libcrypto.dylib",
	), 0o644))

	runner := &fakeRunner{}
	require.NoError(t, New(WithPlatform(Darwin), WithRunner(runner)).
		RelinkDylib(context.Background(), lib, "pyarmor_runtime_000000/pyarmor_runtime.so"))
	assert.Equal(t, []string{
		"install_name_tool -change /opt/vendor/lib/libssl.3.dylib @loader_path/../libssl.3.dylib " + lib,
	}, runner.Calls())
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()
	for _, p := range []Platform{Generic, Linux, Darwin, Windows} {
		got, err := ParsePlatform(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePlatform("plan9")
	require.Error(t, err)
}
