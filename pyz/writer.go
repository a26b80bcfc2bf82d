package pyz

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/pyrepack/internal/file"
	"github.com/meigma/pyrepack/internal/marshal"
	"github.com/meigma/pyrepack/internal/sizing"
	"github.com/meigma/pyrepack/pycode"
)

// WriteEntry is one item handed to Writer.Create.
//
// Exactly one of Data and Raw is used: Raw, when non-nil, is an already
// compressed payload copied as is; otherwise Data is compressed.
type WriteEntry struct {
	Name string
	Type Type
	Data []byte
	Raw  []byte
}

// CodeEntry returns the WriteEntry for a code object.
func CodeEntry(c pycode.Code) WriteEntry {
	t := TypeModule
	if c.Package {
		t = TypePackage
	}
	return WriteEntry{Name: c.Name, Type: t, Data: c.Data}
}

// Writer produces PYZ archives.
type Writer struct {
	magic  []byte
	level  int
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger for archive creation.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithLevel overrides the zlib level used for entries.
func WithLevel(level int) Option {
	return func(w *Writer) {
		w.level = level
	}
}

// NewWriter creates a Writer that stamps archives with the given
// interpreter bytecode magic.
func NewWriter(magic []byte, opts ...Option) *Writer {
	w := &Writer{
		magic: append([]byte(nil), magic...),
		level: file.InnerLevel,
	}
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

// Create writes entries to dst as a complete PYZ archive.
//
// The header is reserved first and filled in once the TOC position is
// known, so dst must be seekable. Entries keep the order given; a repeated
// name produces a repeated TOC item and readers resolve it to the last one.
func (w *Writer) Create(ctx context.Context, dst io.WriteSeeker, entries []WriteEntry) error {
	if len(w.magic) != pycode.MagicSize {
		return fmt.Errorf("%w: bytecode magic must be %d bytes, got %d", ErrFormat, pycode.MagicSize, len(w.magic))
	}
	start, err := dst.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	cw := &file.CountingWriter{W: dst}
	if _, err := cw.Write(make([]byte, reservedSize)); err != nil {
		return fmt.Errorf("reserve header: %w", err)
	}

	toc := make(marshal.List, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Type.Valid() {
			return fmt.Errorf("%w: %d for %q", ErrUnknownType, int(e.Type), e.Name)
		}
		payload := e.Raw
		if payload == nil {
			payload, err = file.DeflateBytes(e.Data, w.level)
			if err != nil {
				return fmt.Errorf("compress %q: %w", e.Name, err)
			}
		}
		offset := cw.N
		if _, err := cw.Write(payload); err != nil {
			return fmt.Errorf("write %q: %w", e.Name, err)
		}
		w.log().Debug("wrote entry", "name", e.Name, "type", e.Type.String(), "offset", offset, "size", len(payload))
		toc = append(toc, marshal.Tuple{e.Name, marshal.Tuple{int64(e.Type), offset, int64(len(payload))}})
	}

	tocOffset, err := sizing.ToInt32(cw.N, ErrSizeOverflow)
	if err != nil {
		return err
	}
	tocData, err := marshal.Marshal(toc)
	if err != nil {
		return fmt.Errorf("encode TOC: %w", err)
	}
	if _, err := cw.Write(tocData); err != nil {
		return fmt.Errorf("write TOC: %w", err)
	}
	end := cw.N

	var hdr bytes.Buffer
	hdr.Write(Magic)
	hdr.Write(w.magic)
	_ = binary.Write(&hdr, binary.BigEndian, tocOffset)
	if _, err := dst.Seek(start, io.SeekStart); err != nil {
		return err
	}
	if _, err := dst.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := dst.Seek(start+end, io.SeekStart); err != nil {
		return err
	}

	w.log().Info("created PYZ archive", "entries", len(entries), "size", end)
	return nil
}
