// Package patch replaces the archive embedded in a host binary.
//
// The bootloader stub in front of the archive is kept byte for byte. By
// default the patched binary is assembled in a temporary file next to the
// original and renamed over it, so a failure leaves the original intact;
// [WithInPlace] selects the older seek, copy and truncate sequence.
//
// What happens around the copy depends on the [Platform] the patcher is
// built for:
//
//   - Linux: binaries that carry the archive in a "pydata" ELF section are
//     updated with objcopy instead of being truncated.
//   - Darwin: the signature is removed first; afterwards the __LINKEDIT
//     segment and string table are stretched over the new archive and the
//     binary is signed again.
//   - Windows: the PE optional header checksum is recomputed.
//
// Optional external tools that are not installed are skipped with a
// warning unless [WithRequireTools] is set.
package patch
