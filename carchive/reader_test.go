package carchive

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pyrepack/internal/testutil"
	"github.com/meigma/pyrepack/pyz"
)

var samplePYZ = testutil.BuildPYZ(testutil.FakeMagic, []testutil.PYZItem{
	{Name: "app", Type: int(pyz.TypePackage), Data: testutil.FakeCode("app/__init__.py", []byte("init"))},
	{Name: "app.main", Type: int(pyz.TypeModule), Data: testutil.FakeCode("app/main.py", []byte("main"))},
})

func sampleItems() []testutil.PKGItem {
	return []testutil.PKGItem{
		{Name: "struct", Type: 'm', Data: testutil.FakeCode("struct.py", []byte("struct")), Compress: true},
		{Name: "pyimod01_archive", Type: 'm', Data: testutil.FakeCode("pyimod01_archive.py", []byte("archive")), Compress: true},
		{Name: "pyiboot01_bootstrap", Type: 's', Data: testutil.FakeCode("pyiboot01_bootstrap.py", []byte("boot")), Compress: true},
		{Name: "app", Type: 's', Data: testutil.FakeCode("app.py", []byte("entry")), Compress: true},
		{Name: "PYZ-00.pyz", Type: 'z', Data: samplePYZ},
		{Name: "libpython3.11.so.1.0", Type: 'b', Data: bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 500), Compress: true},
		{Name: "base_library.zip", Type: 'x', Data: []byte("PK\x03\x04 zip bytes")},
		{Name: "pyi-runtime-tmpdir /tmp", Type: 'o'},
		{Name: "lib:libdep.so", Type: 'd'},
	}
}

func sampleHost(opts testutil.PKGOptions) (stub, pkg, host []byte) {
	stub = testutil.Bootloader(3000)
	pkg = testutil.BuildPKG(sampleItems(), opts)
	return stub, pkg, testutil.HostBinary(stub, pkg)
}

func openHost(t *testing.T, host []byte) *Reader {
	t.Helper()
	src := testutil.NewMockByteSource(host)
	r, err := NewReader(src, src.Size())
	require.NoError(t, err)
	return r
}

func TestReaderDecodesBothLayouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		opts   testutil.PKGOptions
		layout Layout
	}{
		{"v2.1", testutil.PKGOptions{PyVersion: 311, PyLibName: "libpython3.11.so.1.0"}, LayoutV21},
		{"v2.0", testutil.PKGOptions{Legacy: true, PyVersion: 27}, LayoutV20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stub, pkg, host := sampleHost(tt.opts)
			r := openHost(t, host)

			assert.Equal(t, tt.layout, r.Layout())
			assert.Equal(t, int64(len(stub)), r.Start())
			assert.Equal(t, int64(len(host)-tt.layout.Size()), r.CookieOffset())
			c := r.Cookie()
			assert.Equal(t, uint32(len(pkg)), c.Length)
			assert.Equal(t, tt.opts.PyVersion, c.PyVersion)
			assert.Equal(t, tt.opts.PyLibName, c.PyLibName)

			items := sampleItems()
			require.Equal(t, len(items), r.TOC().Len())
			for i, e := range r.TOC().Entries() {
				assert.Equal(t, items[i].Name, e.Name)
				assert.Equal(t, TypeCode(items[i].Type), e.Type)
				assert.Equal(t, items[i].Compress, e.Compressed)

				got, err := r.Extract(e.Name)
				require.NoError(t, err)
				assert.Equal(t, len(items[i].Data), len(got))
				assert.True(t, bytes.Equal(items[i].Data, got), "entry %s", e.Name)
			}
		})
	}
}

func TestReaderOpenEntryStreams(t *testing.T) {
	t.Parallel()
	_, _, host := sampleHost(testutil.PKGOptions{PyLibName: "libpython3.11.so.1.0"})
	r := openHost(t, host)

	rc, err := r.OpenEntry("libpython3.11.so.1.0")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 500), got)

	_, err = r.OpenEntry("nope")
	require.ErrorIs(t, err, ErrEntryNotFound)
	_, err = r.Extract("nope")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestReaderOpenNested(t *testing.T) {
	t.Parallel()
	_, _, host := sampleHost(testutil.PKGOptions{PyLibName: "libpython3.11.so.1.0"})
	r := openHost(t, host)

	pr, err := r.OpenNested("PYZ-00.pyz")
	require.NoError(t, err)
	assert.Equal(t, testutil.FakeMagic, pr.BytecodeMagic())
	code, err := pr.ExtractCode("app")
	require.NoError(t, err)
	assert.True(t, code.Package)

	_, err = r.OpenNested("struct")
	require.ErrorIs(t, err, ErrFormat)
}

func TestReaderOpenNestedCompressed(t *testing.T) {
	t.Parallel()
	pkg := testutil.BuildPKG([]testutil.PKGItem{
		{Name: "PYZ.pyz", Type: 'Z', Data: samplePYZ, Compress: true},
	}, testutil.PKGOptions{PyLibName: "python27.dll"})
	r := openHost(t, testutil.HostBinary(testutil.Bootloader(64), pkg))

	pr, err := r.OpenNested("PYZ.pyz")
	require.NoError(t, err)
	assert.Len(t, pr.Entries(), 2)
}

func TestReaderRejectsMalformed(t *testing.T) {
	t.Parallel()
	_, pkg, host := sampleHost(testutil.PKGOptions{PyLibName: "libpython3.11.so.1.0"})
	cookiePos := len(host) - LayoutV21.Size()

	oversized := bytes.Clone(host)
	binary.BigEndian.PutUint32(oversized[cookiePos+8:], uint32(len(host)+1))

	badType := bytes.Clone(host)
	tocStart := len(host) - len(pkg) + int(binary.BigEndian.Uint32(host[cookiePos+12:]))
	badType[tocStart+17] = 'q'

	badEntry := bytes.Clone(host)
	binary.BigEndian.PutUint32(badEntry[tocStart+8:], 1<<30)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"no magic", testutil.Bootloader(20000), ErrMagicNotFound},
		{"cookie cut short", host[:cookiePos+10], ErrTruncated},
		{"archive longer than file", oversized, ErrTruncated},
		{"unknown type", badType, ErrUnknownType},
		{"entry past TOC", badEntry, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := testutil.NewMockByteSource(tt.data)
			_, err := NewReader(src, src.Size())
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	_, _, host := sampleHost(testutil.PKGOptions{PyLibName: "libpython3.11.so.1.0"})
	path := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(path, host, 0o755))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(host)), r.Size())

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCookieLayoutsRoundTrip(t *testing.T) {
	t.Parallel()

	c := Cookie{Length: 1000, TOCOffset: 800, TOCLength: 112, PyVersion: 312, PyLibName: "libpython3.12.dylib"}
	for _, l := range []Layout{LayoutV20, LayoutV21} {
		b, err := l.Encode(c)
		require.NoError(t, err)
		require.Len(t, b, l.Size())
		assert.Equal(t, Magic, b[:8])

		got, err := l.Decode(b)
		require.NoError(t, err)
		want := c
		if l == LayoutV20 {
			want.PyLibName = ""
		}
		assert.Equal(t, want, got)
	}

	full := c
	full.PyLibName = string(bytes.Repeat([]byte("x"), 64))
	b, err := LayoutV21.Encode(full)
	require.NoError(t, err)
	got, err := LayoutV21.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, full, got)
	again, err := LayoutV21.Encode(got)
	require.NoError(t, err)
	assert.Equal(t, b, again)

	_, err = LayoutV21.Encode(Cookie{PyLibName: string(bytes.Repeat([]byte("x"), 65))})
	require.ErrorIs(t, err, ErrSizeOverflow)
}
