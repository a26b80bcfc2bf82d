package marshal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Marshal encodes v in the marshal format read by every supported interpreter.
//
// Supported Go types are nil, bool, int, int64, string, []byte, Tuple, List
// and Dict. No back-references are emitted.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

//nolint:gocyclo // one case per Go type
func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(typeNone)
	case bool:
		if x {
			buf.WriteByte(typeTrue)
		} else {
			buf.WriteByte(typeFalse)
		}
	case int:
		return encode(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case string:
		encodeString(buf, x)
	case []byte:
		buf.WriteByte(typeBytes)
		writeInt32(buf, int32(len(x))) //nolint:gosec // TOC strings are far below 2GiB
		buf.Write(x)
	case Tuple:
		if len(x) < 256 {
			buf.WriteByte(typeSmallTuple)
			buf.WriteByte(byte(len(x)))
		} else {
			buf.WriteByte(typeTuple)
			writeInt32(buf, int32(len(x))) //nolint:gosec // bounded by memory
		}
		return encodeItems(buf, x)
	case List:
		buf.WriteByte(typeList)
		writeInt32(buf, int32(len(x))) //nolint:gosec // bounded by memory
		return encodeItems(buf, x)
	case Dict:
		buf.WriteByte(typeDict)
		for _, item := range x {
			if err := encode(buf, item.Key); err != nil {
				return err
			}
			if err := encode(buf, item.Value); err != nil {
				return err
			}
		}
		buf.WriteByte(typeNull)
	default:
		return fmt.Errorf("marshal: unsupported Go type %T", v)
	}
	return nil
}

func encodeItems(buf *bytes.Buffer, items []any) error {
	for _, item := range items {
		if err := encode(buf, item); err != nil {
			return err
		}
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		buf.WriteByte(typeInt)
		writeInt32(buf, int32(v))
		return
	}
	neg := v < 0
	var u uint64
	if neg {
		u = uint64(-(v + 1)) + 1
	} else {
		u = uint64(v)
	}
	var digits []uint16
	for u > 0 {
		digits = append(digits, uint16(u&(1<<15-1)))
		u >>= 15
	}
	n := int32(len(digits)) //nolint:gosec // at most 5 digits
	if neg {
		n = -n
	}
	buf.WriteByte(typeLong)
	writeInt32(buf, n)
	for _, d := range digits {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], d)
		buf.Write(b[:])
	}
}

func encodeString(buf *bytes.Buffer, s string) {
	ascii := true
	for i := range len(s) {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	switch {
	case ascii && len(s) < 256:
		buf.WriteByte(typeShortASCII)
		buf.WriteByte(byte(len(s)))
	case ascii:
		buf.WriteByte(typeASCII)
		writeInt32(buf, int32(len(s))) //nolint:gosec // bounded by memory
	default:
		buf.WriteByte(typeUnicode)
		writeInt32(buf, int32(len(s))) //nolint:gosec // bounded by memory
	}
	buf.WriteString(s)
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v)) //nolint:gosec // two's complement reinterpretation
	buf.Write(b[:])
}
