// Package pyz reads and writes the zlib module archive (PYZ) that frozen
// applications embed as a single entry of their outer package.
//
// A PYZ archive starts with a 12-byte header:
//
//	"PYZ\0" | bytecode magic (4 bytes) | TOC offset (big-endian int32)
//
// followed by five reserved bytes, the entry payloads (each an independent
// zlib stream), and finally a marshaled table of contents mapping dotted
// names to (type, offset, length) triples.
package pyz
