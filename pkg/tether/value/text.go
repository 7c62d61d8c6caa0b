package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/jsonc"
)

const maxDepth = 64

// EncodeText renders v as single-line JSON. Object keys keep insertion order,
// whole-valued floats keep a decimal point, non-finite floats and Undefined
// become null, and Bytes become a base64 string.
func EncodeText(v Value) []byte {
	return AppendText(nil, v)
}

// AppendText appends the textual form of v to buf.
func AppendText(buf []byte, v Value) []byte {
	switch v.kind {
	case KindUndefined, KindNull:
		return append(buf, "null"...)
	case KindBool:
		return strconv.AppendBool(buf, v.b)
	case KindInt64:
		return strconv.AppendInt(buf, v.i, 10)
	case KindFloat32:
		return appendFloat(buf, v.f, 32)
	case KindFloat64:
		return appendFloat(buf, v.f, 64)
	case KindString:
		return appendString(buf, v.s)
	case KindBytes:
		buf = append(buf, '"')
		buf = base64.StdEncoding.AppendEncode(buf, v.raw)
		return append(buf, '"')
	case KindArray:
		buf = append(buf, '[')
		for i, e := range *v.arr {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = AppendText(buf, e)
		}
		return append(buf, ']')
	case KindObject:
		buf = append(buf, '{')
		first := true
		v.Range(func(k string, child Value) bool {
			if !first {
				buf = append(buf, ',')
			}
			first = false
			buf = appendString(buf, k)
			buf = append(buf, ':')
			buf = AppendText(buf, child)
			return true
		})
		return append(buf, '}')
	}
	return append(buf, "null"...)
}

func appendFloat(buf []byte, f float64, bits int) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return append(buf, "null"...)
	}
	start := len(buf)
	buf = strconv.AppendFloat(buf, f, 'g', -1, bits)
	if !bytes.ContainsAny(buf[start:], ".eE") {
		buf = append(buf, ".0"...)
	}
	return buf
}

const hexDigits = "0123456789abcdef"

func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				buf = append(buf, '\\', c)
			case c == '\n':
				buf = append(buf, '\\', 'n')
			case c == '\r':
				buf = append(buf, '\\', 'r')
			case c == '\t':
				buf = append(buf, '\\', 't')
			case c < 0x20:
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				buf = append(buf, c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf = append(buf, "\ufffd"...)
		} else {
			buf = append(buf, s[i:i+size]...)
		}
		i += size
	}
	return append(buf, '"')
}

// DecodeText parses one JSON document. Integers without a fraction or
// exponent become Int64 (Float64 when they overflow); every other number
// becomes Float64.
func DecodeText(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	p := &textParser{dec: dec}

	v, err := p.parse(0)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, malformed("json", int(dec.InputOffset()), "trailing data after document")
	}
	return v, nil
}

// DecodeTextLenient accepts JSON with comments and trailing commas.
func DecodeTextLenient(data []byte) (Value, error) {
	return DecodeText(jsonc.ToJSON(data))
}

type textParser struct {
	dec *json.Decoder
}

func (p *textParser) fail(err error) error {
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return malformed("json", int(syntax.Offset), "%s", syntax.Error())
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed("json", int(p.dec.InputOffset()), "unexpected end of input")
	}
	return malformed("json", int(p.dec.InputOffset()), "%s", err.Error())
}

func (p *textParser) parse(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, malformed("json", int(p.dec.InputOffset()), "nesting deeper than %d", maxDepth)
	}
	tok, err := p.dec.Token()
	if err != nil {
		return Value{}, p.fail(err)
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return parseNumber(t)
	case json.Delim:
		switch t {
		case '[':
			arr := make([]Value, 0)
			for p.dec.More() {
				e, err := p.parse(depth + 1)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, e)
			}
			if _, err := p.dec.Token(); err != nil {
				return Value{}, p.fail(err)
			}
			return Value{kind: KindArray, arr: &arr}, nil
		case '{':
			obj := NewObject()
			for p.dec.More() {
				kt, err := p.dec.Token()
				if err != nil {
					return Value{}, p.fail(err)
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, malformed("json", int(p.dec.InputOffset()), "object key is not a string")
				}
				child, err := p.parse(depth + 1)
				if err != nil {
					return Value{}, err
				}
				obj.Set(key, child)
			}
			if _, err := p.dec.Token(); err != nil {
				return Value{}, p.fail(err)
			}
			return obj, nil
		}
	}
	return Value{}, malformed("json", int(p.dec.InputOffset()), "unexpected token %v", tok)
}

func parseNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return Value{}, malformed("json", 0, "bad number %q", s)
	}
	return Float(f), nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// MarshalJSON implements json.Marshaler using the textual codec.
func (v Value) MarshalJSON() ([]byte, error) {
	return EncodeText(v), nil
}

// UnmarshalJSON implements json.Unmarshaler using the textual codec.
func (v *Value) UnmarshalJSON(data []byte) error {
	nv, err := DecodeText(data)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}
