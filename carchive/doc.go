// Package carchive reads and writes the package archive (PKG) that a frozen
// application appends to its bootloader.
//
// The archive is located from the end of the host binary: a fixed-size
// cookie, found by scanning backward for [Magic], records the total archive
// length and the position of the table of contents. The TOC is a run of
// big-endian records, each padded to a multiple of 16 bytes, that the
// native bootloader walks at startup. Entry payloads precede the TOC and
// are stored raw or as independent zlib streams.
//
// # Reading
//
//	r, err := carchive.Open("dist/app")
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//	for _, e := range r.TOC().Entries() {
//	    fmt.Println(e.Name, e.Type)
//	}
//
// # Rebuilding
//
// [Writer.Create] takes an ordered list of [LogicalEntry] values. Entries
// without a source are copied from the original archive; entries with one
// are re-encoded according to their type code.
package carchive
