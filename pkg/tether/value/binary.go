package value

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/x448/float16"
)

// CBOR major types.
const (
	majorUint   = 0
	majorNegInt = 1
	majorBytes  = 2
	majorText   = 3
	majorArray  = 4
	majorMap    = 5
	majorTag    = 6
	majorSimple = 7
)

const (
	simpleFalse     = 0xf4
	simpleTrue      = 0xf5
	simpleNull      = 0xf6
	simpleUndefined = 0xf7
	floatHalf       = 0xf9
	floatSingle     = 0xfa
	floatDouble     = 0xfb
	breakCode       = 0xff
	indefinite      = 31
)

// BinaryOptions tune the binary codec for schema-aware (compact) payloads.
// Only the top-level object is affected.
type BinaryOptions struct {
	// Ordinals maps object keys to the integer keys written in their place.
	Ordinals map[string]uint64
	// Names maps integer keys back to object keys on decode. Integer keys
	// with no name are decoded as their decimal string.
	Names map[uint64]string
}

// EncodeBinary renders v as CBOR using the shortest integer and length forms.
func EncodeBinary(v Value) []byte {
	return AppendBinary(nil, v)
}

// EncodeBinaryWith renders v as CBOR, replacing top-level object keys by the
// ordinals in opts.
func EncodeBinaryWith(v Value, opts BinaryOptions) []byte {
	if v.kind != KindObject || len(opts.Ordinals) == 0 {
		return AppendBinary(nil, v)
	}
	buf := appendHead(nil, majorMap, uint64(v.obj.Size()))
	v.Range(func(k string, child Value) bool {
		if ord, ok := opts.Ordinals[k]; ok {
			buf = appendHead(buf, majorUint, ord)
		} else {
			buf = appendTextString(buf, k)
		}
		buf = AppendBinary(buf, child)
		return true
	})
	return buf
}

// AppendBinary appends the CBOR encoding of v to buf.
func AppendBinary(buf []byte, v Value) []byte {
	switch v.kind {
	case KindUndefined, KindNull:
		return append(buf, simpleNull)
	case KindBool:
		if v.b {
			return append(buf, simpleTrue)
		}
		return append(buf, simpleFalse)
	case KindInt64:
		if v.i >= 0 {
			return appendHead(buf, majorUint, uint64(v.i))
		}
		return appendHead(buf, majorNegInt, uint64(-1-v.i))
	case KindFloat32:
		buf = append(buf, floatSingle)
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v.f)))
	case KindFloat64:
		buf = append(buf, floatDouble)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
	case KindString:
		return appendTextString(buf, v.s)
	case KindBytes:
		buf = appendHead(buf, majorBytes, uint64(len(v.raw)))
		return append(buf, v.raw...)
	case KindArray:
		buf = appendHead(buf, majorArray, uint64(len(*v.arr)))
		for _, e := range *v.arr {
			buf = AppendBinary(buf, e)
		}
		return buf
	case KindObject:
		buf = appendHead(buf, majorMap, uint64(v.obj.Size()))
		v.Range(func(k string, child Value) bool {
			buf = appendTextString(buf, k)
			buf = AppendBinary(buf, child)
			return true
		})
		return buf
	}
	return append(buf, simpleNull)
}

// appendTextString writes s as a CBOR text string. Each invalid UTF-8 byte
// becomes U+FFFD, as in the textual codec.
func appendTextString(buf []byte, s string) []byte {
	if !utf8.ValidString(s) {
		var b strings.Builder
		for i := 0; i < len(s); {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				b.WriteRune(utf8.RuneError)
			} else {
				b.WriteString(s[i : i+size])
			}
			i += size
		}
		s = b.String()
	}
	buf = appendHead(buf, majorText, uint64(len(s)))
	return append(buf, s...)
}

func appendHead(buf []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(buf, m|byte(n))
	case n <= math.MaxUint8:
		return append(buf, m|24, byte(n))
	case n <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(buf, m|25), uint16(n))
	case n <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(buf, m|26), uint32(n))
	}
	return binary.BigEndian.AppendUint64(append(buf, m|27), n)
}

// DecodeBinary parses exactly one CBOR data item. Definite and indefinite
// length strings, arrays and maps are accepted; tags are skipped; the CBOR
// undefined simple value decodes as Null.
func DecodeBinary(data []byte) (Value, error) {
	return DecodeBinaryWith(data, BinaryOptions{})
}

// DecodeBinaryWith parses one CBOR data item, naming integer keys of the
// top-level map through opts.Names.
func DecodeBinaryWith(data []byte, opts BinaryOptions) (Value, error) {
	d := &binaryDecoder{data: data, names: opts.Names}
	v, err := d.item(0)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.data) {
		return Value{}, malformed("cbor", d.pos, "%d trailing bytes after data item", len(d.data)-d.pos)
	}
	return v, nil
}

type binaryDecoder struct {
	data  []byte
	pos   int
	names map[uint64]string
}

func (d *binaryDecoder) fail(format string, args ...any) error {
	return malformed("cbor", d.pos, format, args...)
}

func (d *binaryDecoder) need(n uint64) error {
	if n > uint64(len(d.data)-d.pos) {
		return d.fail("need %d bytes, have %d", n, len(d.data)-d.pos)
	}
	return nil
}

// head reads an initial byte and its argument. For indefinite lengths
// (additional info 31) it returns indef=true.
func (d *binaryDecoder) head() (major byte, info byte, arg uint64, indef bool, err error) {
	if err = d.need(1); err != nil {
		return
	}
	ib := d.data[d.pos]
	d.pos++
	major, info = ib>>5, ib&0x1f
	switch {
	case info < 24:
		arg = uint64(info)
	case info == 24:
		if err = d.need(1); err != nil {
			return
		}
		arg = uint64(d.data[d.pos])
		d.pos++
	case info == 25:
		if err = d.need(2); err != nil {
			return
		}
		arg = uint64(binary.BigEndian.Uint16(d.data[d.pos:]))
		d.pos += 2
	case info == 26:
		if err = d.need(4); err != nil {
			return
		}
		arg = uint64(binary.BigEndian.Uint32(d.data[d.pos:]))
		d.pos += 4
	case info == 27:
		if err = d.need(8); err != nil {
			return
		}
		arg = binary.BigEndian.Uint64(d.data[d.pos:])
		d.pos += 8
	case info == indefinite:
		indef = true
	default:
		d.pos--
		err = d.fail("reserved additional information %d", info)
	}
	return
}

func (d *binaryDecoder) atBreak() bool {
	if d.pos < len(d.data) && d.data[d.pos] == breakCode {
		d.pos++
		return true
	}
	return false
}

func (d *binaryDecoder) item(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, d.fail("nesting deeper than %d", maxDepth)
	}
	start := d.pos
	major, info, arg, indef, err := d.head()
	if err != nil {
		return Value{}, err
	}
	switch major {
	case majorUint:
		if indef {
			return Value{}, d.fail("indefinite length integer")
		}
		if arg > math.MaxInt64 {
			return Float(float64(arg)), nil
		}
		return Int(int64(arg)), nil
	case majorNegInt:
		if indef {
			return Value{}, d.fail("indefinite length integer")
		}
		if arg > math.MaxInt64 {
			return Float(-1 - float64(arg)), nil
		}
		return Int(-1 - int64(arg)), nil
	case majorBytes, majorText:
		raw, err := d.stringBody(major, arg, indef)
		if err != nil {
			return Value{}, err
		}
		if major == majorBytes {
			return Bytes(raw), nil
		}
		if !utf8.Valid(raw) {
			d.pos = start
			return Value{}, d.fail("text string is not valid UTF-8")
		}
		return String(string(raw)), nil
	case majorArray:
		arr := make([]Value, 0, minCap(arg, indef))
		for i := uint64(0); indef || i < arg; i++ {
			if indef && d.atBreak() {
				break
			}
			e, err := d.item(depth + 1)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, e)
		}
		return Value{kind: KindArray, arr: &arr}, nil
	case majorMap:
		obj := NewObject()
		for i := uint64(0); indef || i < arg; i++ {
			if indef && d.atBreak() {
				break
			}
			key, err := d.key(depth)
			if err != nil {
				return Value{}, err
			}
			child, err := d.item(depth + 1)
			if err != nil {
				return Value{}, err
			}
			obj.Set(key, child)
		}
		return obj, nil
	case majorTag:
		if indef {
			return Value{}, d.fail("indefinite tag")
		}
		return d.item(depth + 1)
	}
	return d.simple(info, arg, indef)
}

func (d *binaryDecoder) simple(info byte, arg uint64, indef bool) (Value, error) {
	if indef {
		return Value{}, d.fail("unexpected break")
	}
	switch info {
	case 20:
		return Bool(false), nil
	case 21:
		return Bool(true), nil
	case 22, 23:
		return Null(), nil
	case 25:
		return Float32(float16.Frombits(uint16(arg)).Float32()), nil
	case 26:
		return Float32(math.Float32frombits(uint32(arg))), nil
	case 27:
		return Float(math.Float64frombits(arg)), nil
	}
	return Value{}, d.fail("unsupported simple value %d", arg)
}

func (d *binaryDecoder) stringBody(major byte, n uint64, indef bool) ([]byte, error) {
	if !indef {
		if err := d.need(n); err != nil {
			return nil, err
		}
		raw := d.data[d.pos : d.pos+int(n)]
		d.pos += int(n)
		return append([]byte(nil), raw...), nil
	}
	var out []byte
	for {
		if d.atBreak() {
			if out == nil {
				out = []byte{}
			}
			return out, nil
		}
		chunkMajor, _, chunkLen, chunkIndef, err := d.head()
		if err != nil {
			return nil, err
		}
		if chunkMajor != major || chunkIndef {
			return nil, d.fail("invalid chunk in indefinite length string")
		}
		if err := d.need(chunkLen); err != nil {
			return nil, err
		}
		out = append(out, d.data[d.pos:d.pos+int(chunkLen)]...)
		d.pos += int(chunkLen)
	}
}

func (d *binaryDecoder) key(depth int) (string, error) {
	if d.pos >= len(d.data) {
		return "", d.fail("unexpected end of input in map")
	}
	switch d.data[d.pos] >> 5 {
	case majorText:
		k, err := d.item(depth + 1)
		if err != nil {
			return "", err
		}
		s, _ := k.AsString()
		return s, nil
	case majorUint, majorNegInt:
		k, err := d.item(depth + 1)
		if err != nil {
			return "", err
		}
		n, ok := k.AsInt64()
		if !ok {
			return "", d.fail("map key out of range")
		}
		if depth == 0 && n >= 0 && d.names != nil {
			if name, ok := d.names[uint64(n)]; ok {
				return name, nil
			}
		}
		return strconv.FormatInt(n, 10), nil
	}
	return "", d.fail("unsupported map key type %d", d.data[d.pos]>>5)
}

// minCap bounds preallocation by declared length so hostile headers cannot
// force large allocations.
func minCap(n uint64, indef bool) int {
	if indef || n > 64 {
		return 0
	}
	return int(n)
}

// MarshalCBOR lets a Value be embedded in structs encoded by CBOR libraries.
func (v Value) MarshalCBOR() ([]byte, error) {
	return EncodeBinary(v), nil
}

// UnmarshalCBOR decodes one CBOR data item into v.
func (v *Value) UnmarshalCBOR(data []byte) error {
	nv, err := DecodeBinary(data)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}
