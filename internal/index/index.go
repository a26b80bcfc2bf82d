// Package index encodes the extraction index that links a working
// directory to the executable it was extracted from.
//
// The index is a FlatBuffers table (schema/manifest.fbs). It records each
// nested PYZ archive together with its table of contents, so a later
// repack can rebuild the archives without reopening them first.
package index

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/pyrepack/internal/errdefs"
	"github.com/meigma/pyrepack/internal/fb"
	"github.com/meigma/pyrepack/internal/sizing"
	"github.com/meigma/pyrepack/pyz"
)

// Version is the index format version written by Build.
const Version = 1

// Archive is one extracted PYZ archive.
type Archive struct {
	// Name is the entry name of the archive in the package archive.
	Name string
	// Dir is the extraction directory, relative to the working directory.
	Dir string
	// Magic is the bytecode magic from the archive header.
	Magic []byte
	// Entries is the archive TOC in stored order.
	Entries []pyz.Entry
}

// Manifest describes one extraction.
type Manifest struct {
	Executable     string
	ExecutableSize int64
	// ArchiveLength is the package archive length from the cookie.
	ArchiveLength uint32
	// OuterEntries is the number of distinct package archive entries.
	OuterEntries uint32
	Archives     []Archive
}

// Build serializes m.
func Build(m Manifest) ([]byte, error) {
	builder := flatbuffers.NewBuilder(4096)

	archiveOffsets := make([]flatbuffers.UOffsetT, len(m.Archives))
	for i := len(m.Archives) - 1; i >= 0; i-- {
		a := m.Archives[i]

		entryOffsets := make([]flatbuffers.UOffsetT, len(a.Entries))
		for j := len(a.Entries) - 1; j >= 0; j-- {
			e := a.Entries[j]
			offset, err := sizing.ToUint32(e.Offset, errdefs.ErrSizeOverflow)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", e.Name, err)
			}
			length, err := sizing.ToUint32(e.Length, errdefs.ErrSizeOverflow)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", e.Name, err)
			}
			nameOffset := builder.CreateString(e.Name)
			fb.TocEntryStart(builder)
			fb.TocEntryAddName(builder, nameOffset)
			fb.TocEntryAddTypeCode(builder, int8(e.Type)) //nolint:gosec // PYZ type codes are 0-3
			fb.TocEntryAddOffset(builder, offset)
			fb.TocEntryAddLength(builder, length)
			entryOffsets[j] = fb.TocEntryEnd(builder)
		}
		fb.NestedArchiveStartEntriesVector(builder, len(entryOffsets))
		for j := len(entryOffsets) - 1; j >= 0; j-- {
			builder.PrependUOffsetT(entryOffsets[j])
		}
		entriesOffset := builder.EndVector(len(entryOffsets))

		magicOffset := builder.CreateByteVector(a.Magic)
		nameOffset := builder.CreateString(a.Name)
		dirOffset := builder.CreateString(a.Dir)

		fb.NestedArchiveStart(builder)
		fb.NestedArchiveAddName(builder, nameOffset)
		fb.NestedArchiveAddDir(builder, dirOffset)
		fb.NestedArchiveAddBytecodeMagic(builder, magicOffset)
		fb.NestedArchiveAddEntries(builder, entriesOffset)
		archiveOffsets[i] = fb.NestedArchiveEnd(builder)
	}

	fb.ManifestStartArchivesVector(builder, len(archiveOffsets))
	for i := len(archiveOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(archiveOffsets[i])
	}
	archivesOffset := builder.EndVector(len(archiveOffsets))
	exeOffset := builder.CreateString(m.Executable)

	fb.ManifestStart(builder)
	fb.ManifestAddVersion(builder, Version)
	fb.ManifestAddExecutable(builder, exeOffset)
	fb.ManifestAddExecutableSize(builder, m.ExecutableSize)
	fb.ManifestAddArchiveLength(builder, m.ArchiveLength)
	fb.ManifestAddOuterEntries(builder, m.OuterEntries)
	fb.ManifestAddArchives(builder, archivesOffset)
	builder.Finish(fb.ManifestEnd(builder))
	return builder.FinishedBytes(), nil
}

// Load parses an index written by Build.
func Load(data []byte) (m Manifest, err error) {
	if len(data) < 8 {
		return Manifest{}, fmt.Errorf("%w: empty extraction index", errdefs.ErrFormat)
	}
	// Accessors on a corrupt buffer index out of range.
	defer func() {
		if r := recover(); r != nil {
			m = Manifest{}
			err = fmt.Errorf("%w: corrupt extraction index: %v", errdefs.ErrFormat, r)
		}
	}()

	root := fb.GetRootAsManifest(data, 0)
	if v := root.Version(); v != Version {
		return Manifest{}, fmt.Errorf("%w: extraction index version %d, want %d", errdefs.ErrFormat, v, Version)
	}
	m = Manifest{
		Executable:     string(root.Executable()),
		ExecutableSize: root.ExecutableSize(),
		ArchiveLength:  root.ArchiveLength(),
		OuterEntries:   root.OuterEntries(),
		Archives:       make([]Archive, 0, root.ArchivesLength()),
	}

	var na fb.NestedArchive
	var te fb.TocEntry
	for i := range root.ArchivesLength() {
		if !root.Archives(&na, i) {
			return Manifest{}, fmt.Errorf("%w: missing archive %d in extraction index", errdefs.ErrFormat, i)
		}
		a := Archive{
			Name:    string(na.Name()),
			Dir:     string(na.Dir()),
			Magic:   append([]byte(nil), na.BytecodeMagicBytes()...),
			Entries: make([]pyz.Entry, 0, na.EntriesLength()),
		}
		for j := range na.EntriesLength() {
			if !na.Entries(&te, j) {
				return Manifest{}, fmt.Errorf("%w: missing entry %d of %q in extraction index", errdefs.ErrFormat, j, a.Name)
			}
			typ := pyz.Type(te.TypeCode())
			if !typ.Valid() {
				return Manifest{}, fmt.Errorf("%w: %d for %q", errdefs.ErrUnknownType, te.TypeCode(), te.Name())
			}
			a.Entries = append(a.Entries, pyz.Entry{
				Name:   string(te.Name()),
				Type:   typ,
				Offset: int64(te.Offset()),
				Length: int64(te.Length()),
			})
		}
		m.Archives = append(m.Archives, a)
	}
	return m, nil
}
