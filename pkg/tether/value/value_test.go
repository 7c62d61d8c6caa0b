package value

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Value {
	doc := NewObject()
	doc.Set("zeta", Int(-7))
	doc.Set("alpha", Float(1))
	doc.Set("mid", String("hello \"world\"\n"))
	doc.Set("flags", NewArray(Bool(true), Bool(false), Null()))
	nested := NewObject()
	nested.Set("b", Int(math.MaxInt64))
	nested.Set("a", Int(math.MinInt64))
	nested.Set("f32", Float32(0.1))
	doc.Set("nested", nested)
	doc.Set("empty", NewObject())
	doc.Set("list", NewArray())
	return doc
}

func TestTextRoundTrip(t *testing.T) {
	doc := sampleDoc()

	text := EncodeText(doc)
	assert.NotContains(t, string(text), "\n")

	back, err := DecodeText(text)
	require.NoError(t, err)
	assert.True(t, Equal(doc, back), "got %s", back)
	assert.Equal(t, doc.Keys(), back.Keys())
	assert.Equal(t, doc.Get("nested").Keys(), back.Get("nested").Keys())
}

func TestBinaryRoundTrip(t *testing.T) {
	doc := sampleDoc()
	doc.Set("raw", Bytes([]byte{0, 1, 2, 0xff}))

	back, err := DecodeBinary(EncodeBinary(doc))
	require.NoError(t, err)
	assert.True(t, Equal(doc, back), "got %s", back)
	assert.Equal(t, doc.Keys(), back.Keys())
	assert.Equal(t, KindBytes, back.Get("raw").Kind())
	assert.Equal(t, KindFloat32, back.Path("nested", "f32").Kind())
}

func TestBinaryInvalidUTF8(t *testing.T) {
	doc := NewObject()
	doc.Set("s", String("ok\xff\xfebad"))
	doc.Set("k\xfe", Int(1))

	back, err := DecodeBinary(EncodeBinary(doc))
	require.NoError(t, err)
	s, _ := back.Get("s").AsString()
	assert.Equal(t, "ok\uFFFD\uFFFDbad", s)
	assert.Equal(t, []string{"s", "k\uFFFD"}, back.Keys())

	text, err := DecodeText(EncodeText(doc))
	require.NoError(t, err)
	assert.True(t, Equal(back, text), "binary %s, text %s", back, text)

	ordinal, err := DecodeBinaryWith(EncodeBinaryWith(doc, BinaryOptions{Ordinals: map[string]uint64{"s": 1}}),
		BinaryOptions{Names: map[uint64]string{1: "s"}})
	require.NoError(t, err)
	assert.True(t, Equal(back, ordinal), "got %s", ordinal)
}

func TestUndefinedEncodesAsNull(t *testing.T) {
	assert.Equal(t, "null", string(EncodeText(Undefined())))
	assert.Equal(t, []byte{0xf6}, EncodeBinary(Undefined()))

	arr := NewArray(Undefined())
	back, err := DecodeBinary(EncodeBinary(arr))
	require.NoError(t, err)
	assert.Equal(t, KindNull, back.Index(0).Kind())
}

func TestTextFloatForms(t *testing.T) {
	assert.Equal(t, "1.0", string(EncodeText(Float(1))))
	assert.Equal(t, "-0.5", string(EncodeText(Float(-0.5))))
	assert.Equal(t, "1e+21", string(EncodeText(Float(1e21))))
	assert.Equal(t, "null", string(EncodeText(Float(math.NaN()))))
	assert.Equal(t, "null", string(EncodeText(Float(math.Inf(-1)))))
	assert.Equal(t, "0.1", string(EncodeText(Float32(0.1))))

	v, err := DecodeText([]byte("3.0"))
	require.NoError(t, err)
	assert.Equal(t, KindFloat64, v.Kind())

	v, err = DecodeText([]byte("3"))
	require.NoError(t, err)
	assert.Equal(t, KindInt64, v.Kind())

	v, err = DecodeText([]byte("18446744073709551616"))
	require.NoError(t, err)
	assert.Equal(t, KindFloat64, v.Kind())
}

func TestBytesInText(t *testing.T) {
	raw := []byte{0x00, 0x10, 0xfe}
	text := EncodeText(Bytes(raw))
	assert.Equal(t, `"ABD+"`, string(text))

	back, err := DecodeText(text)
	require.NoError(t, err)
	assert.Equal(t, KindString, back.Kind())

	got, ok := back.AsBytes()
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestBinaryShortForms(t *testing.T) {
	assert.Equal(t, []byte{0x00}, EncodeBinary(Int(0)))
	assert.Equal(t, []byte{0x17}, EncodeBinary(Int(23)))
	assert.Equal(t, []byte{0x18, 0x18}, EncodeBinary(Int(24)))
	assert.Equal(t, []byte{0x20}, EncodeBinary(Int(-1)))
	assert.Equal(t, []byte{0x39, 0x01, 0xf3}, EncodeBinary(Int(-500)))

	s := strings.Repeat("x", 23)
	enc := EncodeBinary(String(s))
	require.Len(t, enc, 24)
	assert.Equal(t, byte(0x77), enc[0])

	enc = EncodeBinary(String(s + "x"))
	assert.Equal(t, []byte{0x78, 24}, enc[:2])

	assert.Equal(t, []byte{0xf5}, EncodeBinary(Bool(true)))
	assert.Equal(t, []byte{0xfa, 0x3f, 0xc0, 0x00, 0x00}, EncodeBinary(Float32(1.5)))
	assert.Equal(t, byte(0xfb), EncodeBinary(Float(1.5))[0])
}

func TestBinaryIndefiniteLengths(t *testing.T) {
	// [_ 1, [_ "a"], {_ "k": 2}]
	data := []byte{0x9f, 0x01, 0x9f, 0x61, 'a', 0xff, 0xbf, 0x61, 'k', 0x02, 0xff, 0xff}
	v, err := DecodeBinary(data)
	require.NoError(t, err)

	require.Equal(t, 3, v.Len())
	n, _ := v.Index(0).AsInt64()
	assert.Equal(t, int64(1), n)
	s, _ := v.Path(1, 0).AsString()
	assert.Equal(t, "a", s)
	k, _ := v.Path(2, "k").AsInt64()
	assert.Equal(t, int64(2), k)

	// (_ h'0102', h'03')
	v, err = DecodeBinary([]byte{0x5f, 0x42, 0x01, 0x02, 0x41, 0x03, 0xff})
	require.NoError(t, err)
	b, _ := v.AsBytes()
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestBinaryExtras(t *testing.T) {
	v, err := DecodeBinary([]byte{0xf9, 0x3c, 0x00})
	require.NoError(t, err)
	f, _ := v.AsFloat64()
	assert.Equal(t, 1.0, f)

	// tag 1 (epoch time) wrapping an integer
	v, err = DecodeBinary([]byte{0xc1, 0x1a, 0x51, 0x4b, 0x67, 0xb0})
	require.NoError(t, err)
	n, _ := v.AsInt64()
	assert.Equal(t, int64(1363896240), n)

	v, err = DecodeBinary([]byte{0xf7})
	require.NoError(t, err)
	assert.Equal(t, KindNull, v.Kind())
}

func TestBinaryOrdinals(t *testing.T) {
	doc := NewObject()
	doc.Set("speed", Int(100))
	doc.Set("note", String("x"))

	enc := EncodeBinaryWith(doc, BinaryOptions{Ordinals: map[string]uint64{"speed": 1}})
	assert.Equal(t, []byte{0xa2, 0x01, 0x18, 0x64, 0x64, 'n', 'o', 't', 'e', 0x61, 'x'}, enc)

	back, err := DecodeBinaryWith(enc, BinaryOptions{Names: map[uint64]string{1: "speed"}})
	require.NoError(t, err)
	assert.True(t, Equal(doc, back))

	plain, err := DecodeBinary(enc)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "note"}, plain.Keys())
}

func TestMalformed(t *testing.T) {
	cases := map[string][]byte{
		"truncated array":  {0x82, 0x01},
		"truncated string": {0x65, 'a', 'b'},
		"trailing data":    {0x01, 0x02},
		"bad utf8":         {0x61, 0xff},
		"reserved info":    {0x1c},
		"lone break":       {0xff},
		"empty":            {},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBinary(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
			var me *MalformedError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, "cbor", me.Codec)
		})
	}

	_, err := DecodeBinary([]byte{0x82, 0x01})
	var me *MalformedError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 2, me.Pos)

	for _, text := range []string{`{"a":`, `[1,2`, `{"a":1} x`, `nul`, ``} {
		_, err := DecodeText([]byte(text))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", text)
	}
}

func TestNestingLimit(t *testing.T) {
	deep := strings.Repeat("[", maxDepth+2) + strings.Repeat("]", maxDepth+2)
	_, err := DecodeText([]byte(deep))
	assert.ErrorIs(t, err, ErrMalformed)

	bin := make([]byte, maxDepth+2)
	for i := range bin {
		bin[i] = 0x81
	}
	_, err = DecodeBinary(append(bin, 0x00))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeTextLenient(t *testing.T) {
	v, err := DecodeTextLenient([]byte("{\n  // speed in rpm\n  \"speed\": 100,\n}"))
	require.NoError(t, err)
	n, ok := v.Get("speed").AsInt64()
	require.True(t, ok)
	assert.Equal(t, int64(100), n)
}

func TestPathAccess(t *testing.T) {
	doc := sampleDoc()

	assert.True(t, doc.Get("missing").IsUndefined())
	assert.True(t, doc.Path("zeta", "deeper", 3).IsUndefined())
	assert.True(t, doc.Path("flags", 10).IsUndefined())
	assert.True(t, doc.Path("flags", -1).IsUndefined())
	assert.True(t, doc.Path(1.5).IsUndefined())

	b, ok := doc.Path("flags", 0).AsBool()
	assert.True(t, ok)
	assert.True(t, b)
}

func TestMutatingAccessPromotes(t *testing.T) {
	var doc Value
	require.NoError(t, doc.At("motor").Set("left", Int(100)))
	doc.At("motor").At("right").Assign(Int(-100))

	assert.Equal(t, KindObject, doc.Kind())
	assert.Equal(t, []string{"left", "right"}, doc.Get("motor").Keys())

	n, ok := doc.Path("motor", "right").AsInt64()
	require.True(t, ok)
	assert.Equal(t, int64(-100), n)

	null := Null()
	null.At("x")
	assert.Equal(t, KindObject, null.Kind())
	assert.True(t, null.Has("x"))

	str := String("s")
	str.At("x").Assign(Int(1))
	assert.Equal(t, KindString, str.Kind())
}

func TestSetKeepsPosition(t *testing.T) {
	doc := NewObject()
	doc.Set("a", Int(1))
	doc.Set("b", Int(2))
	doc.Set("a", Int(3))
	assert.Equal(t, []string{"a", "b"}, doc.Keys())

	doc.Delete("a")
	doc.Set("a", Int(4))
	assert.Equal(t, []string{"b", "a"}, doc.Keys())
}

func TestPush(t *testing.T) {
	arr := NewArray()
	require.NoError(t, arr.Push(Int(1)))
	require.NoError(t, arr.Push(String("two")))
	assert.Equal(t, 2, arr.Len())

	obj := NewObject()
	assert.ErrorIs(t, obj.Push(Int(1)), ErrTypeMismatch)

	var undef Value
	assert.ErrorIs(t, undef.Push(Int(1)), ErrTypeMismatch)

	s := String("x")
	assert.ErrorIs(t, s.Set("k", Int(1)), ErrTypeMismatch)
}

func TestTypedReads(t *testing.T) {
	f, ok := Int(42).AsFloat64()
	assert.True(t, ok)
	assert.Equal(t, 42.0, f)

	_, ok = Int(1 << 60).AsFloat64()
	assert.False(t, ok)

	n, ok := Float(8).AsInt64()
	assert.True(t, ok)
	assert.Equal(t, int64(8), n)

	_, ok = Float(8.5).AsInt64()
	assert.False(t, ok)

	_, ok = String("x").AsBool()
	assert.False(t, ok)

	_, ok = Null().AsString()
	assert.False(t, ok)

	_, ok = String("not base64!").AsBytes()
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	doc := sampleDoc()
	c := doc.Clone()
	c.At("nested").Set("b", Int(0))
	require.NoError(t, c.At("list").Push(Int(1)))

	n, _ := doc.Path("nested", "b").AsInt64()
	assert.Equal(t, int64(math.MaxInt64), n)
	assert.Equal(t, 0, doc.Get("list").Len())
}

func TestEqualOrderSensitive(t *testing.T) {
	a := NewObject()
	a.Set("x", Int(1))
	a.Set("y", Int(2))
	b := NewObject()
	b.Set("y", Int(2))
	b.Set("x", Int(1))

	assert.False(t, Equal(a, b))
	assert.True(t, Equal(Undefined(), Null()))
	assert.True(t, Equal(Float32(0.5), Float(0.5)))
	assert.False(t, Equal(Int(1), Float(1)))
}

func TestAnyConversion(t *testing.T) {
	v, err := FromAny(map[string]any{
		"b": []any{1, "two", 3.5, nil},
		"a": map[any]any{"k": uint64(9)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Keys())

	back := ToAny(v)
	assert.Equal(t, map[string]any{
		"a": map[string]any{"k": 9},
		"b": []any{1, "two", 3.5, nil},
	}, back)

	_, err = FromAny(struct{}{})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestJSONInterop(t *testing.T) {
	doc := sampleDoc()
	out, err := doc.MarshalJSON()
	require.NoError(t, err)

	var back Value
	require.NoError(t, back.UnmarshalJSON(out))
	assert.True(t, Equal(doc, back))
}
