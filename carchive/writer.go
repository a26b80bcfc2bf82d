package carchive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/sizing"
	"github.com/meigma/pyrepack/pycode"
)

// LogicalEntry describes one entry of the archive to build.
type LogicalEntry struct {
	// Name is the destination name.
	Name string
	// Source is the file the entry is read from. Empty means copy the
	// entry of the same name from the original archive. For dependency
	// entries Source is the reference path prefix, not a file.
	Source string
	// Compress selects zlib storage.
	Compress bool
	// Type is the type code to store.
	Type TypeCode
}

// Result describes an archive produced by Writer.Create.
type Result struct {
	// Length is the total archive size, cookie included.
	Length uint32
	// TOCOffset is the TOC position relative to the archive start.
	TOCOffset uint32
	// TOCLength is the serialized TOC size.
	TOCLength int32
	// Entries holds the TOC records in written order.
	Entries []Entry
	// Digest is the digest of every byte written.
	Digest digest.Digest
}

// Writer builds archives.
type Writer struct {
	compiler  pycode.Compiler
	logger    *slog.Logger
	layout    Layout
	pyVersion *int32
	pyLibName *string
	separator byte
	buf       []byte
}

// Option configures a Writer.
type Option func(*Writer)

// WithCompiler sets the compiler used for source and module entries that
// are replaced from disk.
func WithCompiler(c pycode.Compiler) Option {
	return func(w *Writer) {
		w.compiler = c
	}
}

// WithLogger sets the logger for archive creation.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithLayout selects the cookie layout. By default the layout of the
// original archive is kept, or LayoutV21 when there is none.
func WithLayout(l Layout) Option {
	return func(w *Writer) {
		w.layout = l
	}
}

// WithPyVersion overrides the interpreter version tag in the cookie.
func WithPyVersion(v int32) Option {
	return func(w *Writer) {
		w.pyVersion = &v
	}
}

// WithPyLibName overrides the interpreter library name in the cookie.
func WithPyLibName(name string) Option {
	return func(w *Writer) {
		w.pyLibName = &name
	}
}

// WithPathSeparator rewrites '/' in the names of replaced entries to sep.
// Windows bootloaders only understand '\\'.
func WithPathSeparator(sep byte) Option {
	return func(w *Writer) {
		w.separator = sep
	}
}

// NewWriter creates a Writer with the given options.
func NewWriter(opts ...Option) *Writer {
	w := &Writer{separator: '/'}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Create writes a complete archive to dst.
//
// Entries are written in the order given. Each entry's payload is either
// copied from src (when Source is empty) or re-encoded from disk according
// to its type code; see [LogicalEntry]. The TOC and a freshly computed
// cookie follow the payloads. src may be nil when every entry has a
// source.
func (w *Writer) Create(ctx context.Context, dst io.Writer, entries []LogicalEntry, src *Reader) (Result, error) {
	for _, le := range entries {
		if err := checkType(le.Type, le.Name); err != nil {
			return Result{}, err
		}
	}
	cookie := w.baseCookie(src)
	layout := w.layout
	if layout == nil {
		layout = LayoutV21
		if src != nil {
			layout = src.Layout()
		}
	}
	w.buf = make([]byte, file.CopyBufferSize)

	digester := digest.Canonical.Digester()
	cw := &file.CountingWriter{W: io.MultiWriter(dst, digester.Hash())}

	var magic []byte
	written := make([]Entry, 0, len(entries))
	for _, le := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if magic == nil && le.Source != "" && (le.Type == TypeModule || le.Type == TypePackage) && w.compiler != nil {
			m, err := w.compiler.Magic(ctx)
			if err != nil {
				return Result{}, err
			}
			magic = m
		}
		e, err := w.writeEntry(ctx, cw, le, src, magic)
		if err != nil {
			return Result{}, fmt.Errorf("entry %q: %w", le.Name, err)
		}
		w.log().Debug("wrote entry", "name", e.Name, "type", e.Type.String(), "offset", e.Offset, "size", e.StoredLength)
		written = append(written, e)
	}

	tocOffset, err := sizing.ToUint32(cw.N, ErrSizeOverflow)
	if err != nil {
		return Result{}, err
	}
	var toc bytes.Buffer
	for _, e := range written {
		rec, err := SerializeTOCEntry(e)
		if err != nil {
			return Result{}, err
		}
		toc.Write(rec)
	}
	tocLength, err := sizing.ToInt32(int64(toc.Len()), ErrSizeOverflow)
	if err != nil {
		return Result{}, err
	}
	if _, err := cw.Write(toc.Bytes()); err != nil {
		return Result{}, fmt.Errorf("write TOC: %w", err)
	}

	length, err := sizing.ToUint32(cw.N+int64(layout.Size()), ErrSizeOverflow)
	if err != nil {
		return Result{}, err
	}
	cookie.Length = length
	cookie.TOCOffset = tocOffset
	cookie.TOCLength = tocLength
	cb, err := layout.Encode(cookie)
	if err != nil {
		return Result{}, err
	}
	if _, err := cw.Write(cb); err != nil {
		return Result{}, fmt.Errorf("write cookie: %w", err)
	}

	w.log().Info("created archive", "entries", len(written), "size", length, "layout", layout.Name())
	return Result{
		Length:    length,
		TOCOffset: tocOffset,
		TOCLength: tocLength,
		Entries:   written,
		Digest:    digester.Digest(),
	}, nil
}

func (w *Writer) baseCookie(src *Reader) Cookie {
	var c Cookie
	if src != nil {
		c = src.Cookie()
	}
	if w.pyVersion != nil {
		c.PyVersion = *w.pyVersion
	}
	if w.pyLibName != nil {
		c.PyLibName = *w.pyLibName
	}
	return c
}

func (w *Writer) writeEntry(ctx context.Context, cw *file.CountingWriter, le LogicalEntry, src *Reader, magic []byte) (Entry, error) {
	if le.Source == "" {
		return w.copyEntry(ctx, cw, le, src)
	}

	name := w.destName(le.Name)
	w.log().Info("replace entry", "name", name, "type", le.Type.String())
	switch le.Type {
	case TypeOption:
		return w.writeBlob(cw, name, le.Type, nil, false)
	case TypeDependency:
		return w.writeBlob(cw, le.Source+":"+name, le.Type, nil, false)
	case TypeSource:
		code, err := w.compileSource(ctx, le.Source, le.Name+".py")
		if err != nil {
			return Entry{}, err
		}
		return w.writeBlob(cw, name, le.Type, code, le.Compress)
	case TypeModule, TypePackage:
		code, err := w.moduleCode(ctx, le, magic)
		if err != nil {
			return Entry{}, err
		}
		return w.writeBlob(cw, name, le.Type, code, le.Compress)
	default:
		return w.writeFile(ctx, cw, name, le)
	}
}

// destName normalizes the name of a replaced entry.
func (w *Writer) destName(name string) string {
	name = path.Clean(filepath.ToSlash(name))
	if w.separator != '/' {
		name = strings.ReplaceAll(name, "/", string(w.separator))
	}
	return name
}

func (w *Writer) requireCompiler() error {
	if w.compiler == nil {
		return fmt.Errorf("%w: no compiler configured", ErrNoSource)
	}
	return nil
}

func (w *Writer) compileSource(ctx context.Context, source, filename string) ([]byte, error) {
	if err := w.requireCompiler(); err != nil {
		return nil, err
	}
	text, err := os.ReadFile(source)
	if err != nil {
		return nil, err
	}
	code, err := w.compiler.Compile(ctx, filename, text)
	if err != nil {
		return nil, err
	}
	return w.compiler.Strip(ctx, filename, code)
}

// moduleCode loads the code object for a module or package entry. A .py
// source is compiled; anything else is read as a .pyc whose header must
// carry the expected magic.
func (w *Writer) moduleCode(ctx context.Context, le LogicalEntry, magic []byte) ([]byte, error) {
	filename := pycode.ModuleFilename(le.Name, le.Type == TypePackage)
	if strings.EqualFold(filepath.Ext(le.Source), ".py") {
		return w.compileSource(ctx, le.Source, filename)
	}
	if err := w.requireCompiler(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(le.Source)
	if err != nil {
		return nil, err
	}
	code, err := pycode.ReadPyc(data, magic)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", le.Source, err)
	}
	return w.compiler.Strip(ctx, filename, code)
}

func (w *Writer) writeBlob(cw *file.CountingWriter, name string, t TypeCode, data []byte, compress bool) (Entry, error) {
	offset, err := sizing.ToUint32(cw.N, ErrSizeOverflow)
	if err != nil {
		return Entry{}, err
	}
	length, err := sizing.ToUint32(int64(len(data)), ErrSizeOverflow)
	if err != nil {
		return Entry{}, err
	}
	payload := data
	if compress {
		if payload, err = file.DeflateBytes(data, file.OuterLevel); err != nil {
			return Entry{}, err
		}
	}
	if _, err := cw.Write(payload); err != nil {
		return Entry{}, err
	}
	stored, err := sizing.ToUint32(int64(len(payload)), ErrSizeOverflow)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Offset: offset, StoredLength: stored, Length: length, Compressed: compress, Type: t}, nil
}

func (w *Writer) writeFile(ctx context.Context, cw *file.CountingWriter, name string, le LogicalEntry) (Entry, error) {
	f, err := os.Open(le.Source)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	return w.writeStream(ctx, cw, name, le.Type, f, le.Compress)
}

// writeStream copies r into the archive, compressing when asked. The zlib
// stream is closed before returning so the next entry starts on a fresh
// stream.
func (w *Writer) writeStream(ctx context.Context, cw *file.CountingWriter, name string, t TypeCode, r io.Reader, compress bool) (Entry, error) {
	start := cw.N
	offset, err := sizing.ToUint32(start, ErrSizeOverflow)
	if err != nil {
		return Entry{}, err
	}
	var n int64
	if compress {
		n, err = file.Deflate(ctx, cw, r, file.OuterLevel, w.buf)
	} else {
		n, err = file.CopyWithContext(ctx, cw, r, w.buf)
	}
	if err != nil {
		return Entry{}, err
	}
	length, err := sizing.ToUint32(n, ErrSizeOverflow)
	if err != nil {
		return Entry{}, err
	}
	stored, err := sizing.ToUint32(cw.N-start, ErrSizeOverflow)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Offset: offset, StoredLength: stored, Length: length, Compressed: compress, Type: t}, nil
}

// copyEntry carries an entry over from the original archive. Stored bytes
// are copied verbatim when the compression flag is unchanged; otherwise
// the payload is inflated and, if requested, deflated again.
func (w *Writer) copyEntry(ctx context.Context, cw *file.CountingWriter, le LogicalEntry, src *Reader) (Entry, error) {
	if src == nil {
		if le.Type == TypeOption || le.Type == TypeDependency {
			return w.writeBlob(cw, le.Name, le.Type, nil, false)
		}
		return Entry{}, ErrNoSource
	}
	orig, err := src.Entry(le.Name)
	if err != nil {
		return Entry{}, err
	}

	if orig.Compressed == le.Compress {
		offset, err := sizing.ToUint32(cw.N, ErrSizeOverflow)
		if err != nil {
			return Entry{}, err
		}
		if _, err := file.CopyWithContext(ctx, cw, src.RawSection(orig), w.buf); err != nil {
			return Entry{}, err
		}
		return Entry{
			Name:         orig.Name,
			Offset:       offset,
			StoredLength: orig.StoredLength,
			Length:       orig.Length,
			Compressed:   orig.Compressed,
			Type:         le.Type,
		}, nil
	}

	rc, err := src.openEntry(orig)
	if err != nil {
		return Entry{}, err
	}
	defer rc.Close()
	return w.writeStream(ctx, cw, orig.Name, le.Type, rc, le.Compress)
}
