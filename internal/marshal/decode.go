package marshal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/meigma/pyrepack/internal/errdefs"
)

// Unmarshal decodes the first object in data.
func Unmarshal(data []byte) (any, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads one object from r.
func Decode(r io.Reader) (any, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := &decoder{r: br}
	return d.object(0)
}

type decoder struct {
	r       io.ByteReader
	refs    []any
	pending int
}

func (d *decoder) byte() (byte, error) {
	if d.pending > 0 {
		b := byte(d.pending - 1)
		d.pending = 0
		return b, nil
	}
	b, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, errdefs.ErrTruncated
	}
	return b, err
}

func (d *decoder) read(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", errdefs.ErrFormat, n)
	}
	buf := make([]byte, 0, min(n, 64*1024))
	for range n {
		b, err := d.byte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
	}
	return buf, nil
}

func (d *decoder) int32() (int32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil //nolint:gosec // two's complement reinterpretation
}

func (d *decoder) length() (int, error) {
	n, err := d.int32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative length %d", errdefs.ErrFormat, n)
	}
	return int(n), nil
}

// reserve allocates a reference slot when the flag is set. Containers
// reserve before decoding their items, matching the interpreter's numbering.
func (d *decoder) reserve(flag bool) int {
	if !flag {
		return -1
	}
	d.refs = append(d.refs, nil)
	return len(d.refs) - 1
}

func (d *decoder) fill(idx int, v any) any {
	if idx >= 0 {
		d.refs[idx] = v
	}
	return v
}

//nolint:gocyclo // one case per type code
func (d *decoder) object(depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", errdefs.ErrFormat)
	}
	code, err := d.byte()
	if err != nil {
		return nil, err
	}
	flag := code&flagRef != 0
	code &^= flagRef

	switch code {
	case typeNone:
		return nil, nil
	case typeTrue:
		return true, nil
	case typeFalse:
		return false, nil
	case typeInt:
		idx := d.reserve(flag)
		v, err := d.int32()
		if err != nil {
			return nil, err
		}
		return d.fill(idx, int64(v)), nil
	case typeLong:
		idx := d.reserve(flag)
		v, err := d.long()
		if err != nil {
			return nil, err
		}
		return d.fill(idx, v), nil
	case typeBytes:
		idx := d.reserve(flag)
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		b, err := d.read(n)
		if err != nil {
			return nil, err
		}
		return d.fill(idx, b), nil
	case typeUnicode, typeInterned, typeASCII, typeASCIIInterned:
		idx := d.reserve(flag)
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		b, err := d.read(n)
		if err != nil {
			return nil, err
		}
		return d.fill(idx, string(b)), nil
	case typeShortASCII, typeShortASCIIInt:
		idx := d.reserve(flag)
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		b, err := d.read(int(n))
		if err != nil {
			return nil, err
		}
		return d.fill(idx, string(b)), nil
	case typeSmallTuple:
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		return d.sequence(int(n), flag, depth, func(items []any) any { return Tuple(items) })
	case typeTuple:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		return d.sequence(n, flag, depth, func(items []any) any { return Tuple(items) })
	case typeList:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		return d.sequence(n, flag, depth, func(items []any) any { return List(items) })
	case typeDict:
		return d.dict(flag, depth)
	case typeRef:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		if n >= len(d.refs) {
			return nil, fmt.Errorf("%w: bad reference %d", errdefs.ErrFormat, n)
		}
		return d.refs[n], nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupported, code)
	}
}

func (d *decoder) sequence(n int, flag bool, depth int, wrap func([]any) any) (any, error) {
	idx := d.reserve(flag)
	items := make([]any, 0, min(n, 1024))
	for range n {
		v, err := d.object(depth + 1)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return d.fill(idx, wrap(items)), nil
}

func (d *decoder) dict(flag bool, depth int) (any, error) {
	idx := d.reserve(flag)
	var out Dict
	for {
		code, err := d.peekNull()
		if err != nil {
			return nil, err
		}
		if code {
			break
		}
		key, err := d.object(depth + 1)
		if err != nil {
			return nil, err
		}
		value, err := d.object(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, Item{Key: key, Value: value})
	}
	return d.fill(idx, out), nil
}

// peekNull consumes the dict terminator if it is next. Other type codes are
// pushed back so object can decode them.
func (d *decoder) peekNull() (bool, error) {
	b, err := d.byte()
	if err != nil {
		return false, err
	}
	if b == typeNull {
		return true, nil
	}
	d.pending = int(b) + 1
	return false, nil
}

func (d *decoder) long() (int64, error) {
	n, err := d.int32()
	if err != nil {
		return 0, err
	}
	neg := n < 0
	digits := int64(n)
	if neg {
		digits = -digits
	}
	if digits > 5 {
		return 0, fmt.Errorf("%w: integer too large", errdefs.ErrFormat)
	}
	var v uint64
	for i := range digits {
		b, err := d.read(2)
		if err != nil {
			return 0, err
		}
		digit := uint64(binary.LittleEndian.Uint16(b))
		if digit >= 1<<15 {
			return 0, fmt.Errorf("%w: bad long digit", errdefs.ErrFormat)
		}
		if i == 4 && digit >= 1<<4 {
			return 0, fmt.Errorf("%w: integer too large", errdefs.ErrFormat)
		}
		v |= digit << (15 * uint(i))
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: integer too large", errdefs.ErrFormat)
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}
