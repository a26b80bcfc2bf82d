package patch

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/meigma/pyrepack/internal/file"
)

// PE layout offsets.
const (
	peOffsetField = 0x3c
	coffHeaderLen = 20
	// checksumField is the position of CheckSum within the optional header.
	checksumField = 64
)

// peChecksumOffset returns the file position of the optional header
// checksum.
func peChecksumOffset(r io.ReaderAt, size int64) (int64, error) {
	var dos [64]byte
	if size < int64(len(dos)) {
		return 0, fmt.Errorf("%w: %d byte file is not a PE image", ErrFormat, size)
	}
	if err := file.ReadFullAt(r, dos[:], 0); err != nil {
		return 0, err
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return 0, fmt.Errorf("%w: missing MZ signature", ErrFormat)
	}
	peOff := int64(binary.LittleEndian.Uint32(dos[peOffsetField:]))
	sumOff := peOff + 4 + coffHeaderLen + checksumField
	if sumOff+4 > size {
		return 0, fmt.Errorf("%w: PE header at %d lies outside the file", ErrFormat, peOff)
	}
	var sig [4]byte
	if err := file.ReadFullAt(r, sig[:], peOff); err != nil {
		return 0, err
	}
	if string(sig[:]) != "PE\x00\x00" {
		return 0, fmt.Errorf("%w: missing PE signature", ErrFormat)
	}
	return sumOff, nil
}

// PEChecksum computes the image checksum the Windows loader verifies: the
// one's-complement style sum of all 16-bit little-endian words with the
// checksum field taken as zero, plus the file length.
func PEChecksum(r io.Reader, size, sumOff int64) (uint32, error) {
	buf := make([]byte, file.CopyBufferSize)
	var sum uint64
	var pos int64
	for {
		n, err := io.ReadFull(r, buf)
		chunk := buf[:n]
		if n%2 == 1 {
			chunk = append(chunk, 0)
		}
		for i := 0; i < len(chunk); i += 2 {
			at := pos + int64(i)
			if at >= sumOff && at < sumOff+4 {
				continue
			}
			sum += uint64(binary.LittleEndian.Uint16(chunk[i:]))
			sum = (sum & 0xffff) + (sum >> 16)
		}
		pos += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if pos != size {
		return 0, fmt.Errorf("%w: read %d of %d bytes", ErrTruncated, pos, size)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(size), nil //nolint:gosec // PE images are below 4GiB
}

// UpdatePEChecksum recomputes and stores the checksum of the PE image at
// path, returning the new value.
func UpdatePEChecksum(path string) (uint32, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	sumOff, err := peChecksumOffset(f, info.Size())
	if err != nil {
		return 0, err
	}
	sum, err := PEChecksum(io.NewSectionReader(f, 0, info.Size()), info.Size(), sumOff)
	if err != nil {
		return 0, err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], sum)
	if _, err := f.WriteAt(b[:], sumOff); err != nil {
		return 0, err
	}
	return sum, f.Sync()
}
