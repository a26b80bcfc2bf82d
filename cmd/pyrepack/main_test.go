package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pyrepack"
	"github.com/meigma/pyrepack/internal/testutil"
	"github.com/meigma/pyrepack/patch"
)

func writeBundle(t *testing.T) string {
	t.Helper()
	pyzData := testutil.BuildPYZ(testutil.FakeMagic, []testutil.PYZItem{
		{Name: "app", Type: 0, Data: testutil.FakeCode("app.py", []byte("x"))},
		{Name: "app.res", Type: 2, Data: []byte("resource")},
	})
	pkg := testutil.BuildPKG([]testutil.PKGItem{
		{Name: "main", Type: 's', Data: testutil.FakeCode("main.py", []byte("m")), Compress: true},
		{Name: "PYZ-00.pyz", Type: 'z', Data: pyzData},
	}, testutil.PKGOptions{PyVersion: 312, PyLibName: "libpython3.12.so.1.0"})
	exe := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(exe, testutil.HostBinary(testutil.Bootloader(512), pkg), 0o755))
	return exe
}

func TestRunList(t *testing.T) {
	t.Parallel()
	exe := writeBundle(t)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"list", exe}, &stdout, &stderr))

	out := stdout.String()
	assert.Contains(t, out, "v2.1 archive at 0x200")
	assert.Contains(t, out, "python 3.12 (libpython3.12.so.1.0)")
	assert.Contains(t, out, "PYZ-00.pyz: bytecode magic a70d0d0a, 2 entries")
	assert.Contains(t, out, "main")
	assert.Contains(t, out, "app.res")
}

func TestRunExtract(t *testing.T) {
	t.Parallel()
	exe := writeBundle(t)
	workDir := filepath.Join(t.TempDir(), "work")

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-v", "extract", "-w", workDir, exe}, &stdout, &stderr))

	assert.Contains(t, stdout.String(), filepath.Join(workDir, "PYZ-00.pyz"+pyrepack.ExtractSuffix))
	assert.FileExists(t, filepath.Join(workDir, "PYZ-00.pyz"+pyrepack.ExtractSuffix, "app.pyc"))
	assert.FileExists(t, filepath.Join(workDir, pyrepack.ManifestName))
	assert.Contains(t, stderr.String(), "level=INFO")
}

func TestRunRestore(t *testing.T) {
	t.Parallel()
	exe := writeBundle(t)
	orig, err := os.ReadFile(exe)
	require.NoError(t, err)
	backup := filepath.Join(t.TempDir(), "app.zst")
	require.NoError(t, patch.WriteBackup(context.Background(), exe, backup))
	require.NoError(t, os.WriteFile(exe, []byte("damaged"), 0o755))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"restore", "--backup", backup, exe}, &stdout, &stderr))

	got, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestRunUsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate", "app"}},
		{"list without executable", []string{"list"}},
		{"repack without sources", []string{"repack", "app"}},
		{"restore without backup", []string{"restore", "app"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			require.ErrorIs(t, err, errUsage)
			assert.Contains(t, stderr.String(), "usage: pyrepack")
		})
	}
}

func TestRunListRejectsForeignFile(t *testing.T) {
	t.Parallel()
	exe := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(exe, testutil.Bootloader(4096), 0o755))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"list", exe}, &stdout, &stderr)
	require.ErrorIs(t, err, pyrepack.ErrMagicNotFound)
}
