// Package value implements the dynamic document type carried by tether
// bridges and dashboards whose payload schema is not compiled in.
//
// A Value is a tagged union: Undefined, Null, Bool, Int64, Float32, Float64,
// String, Bytes, Array and Object. Objects keep their keys in insertion order
// and that order survives both the textual (JSON) and the binary (CBOR)
// codecs.
//
// Path access never fails:
//
//	speed, ok := msg.Get("cmd").Get("speed").AsInt64()
//
// Mutating access promotes Undefined and Null nodes to objects:
//
//	var doc value.Value
//	doc.At("motor").Set("left", value.Int(100))
package value

import (
	"bytes"
	"errors"
	"math"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindArray
	KindObject
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "bool",
	KindInt64:     "int64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindString:    "string",
	KindBytes:     "bytes",
	KindArray:     "array",
	KindObject:    "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// ErrTypeMismatch is returned by mutating operations applied to the wrong variant.
var ErrTypeMismatch = errors.New("value: type mismatch")

// Value is a dynamic, recursive document node. The zero Value is Undefined.
//
// Arrays and objects are reference-like: copying a Value shares the
// underlying container. Use Clone for an independent copy.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	arr  *[]Value
	obj  *linkedhashmap.Map // string -> *Value
}

func Undefined() Value { return Value{} }

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindInt64, i: i} }

func Float32(f float32) Value { return Value{kind: KindFloat32, f: float64(f)} }

func Float(f float64) Value { return Value{kind: KindFloat64, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a Bytes value. The slice is not copied.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, raw: b}
}

// NewArray returns an array holding the given elements.
func NewArray(elems ...Value) Value {
	arr := make([]Value, len(elems))
	copy(arr, elems)
	return Value{kind: KindArray, arr: &arr}
}

// NewObject returns an empty object.
func NewObject() Value {
	return Value{kind: KindObject, obj: linkedhashmap.New()}
}

// Strings returns an array of strings.
func Strings(ss []string) Value {
	arr := make([]Value, len(ss))
	for i, s := range ss {
		arr[i] = String(s)
	}
	return Value{kind: KindArray, arr: &arr}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// IsNull reports whether v is Null or Undefined.
func (v Value) IsNull() bool { return v.kind == KindNull || v.kind == KindUndefined }

// Len returns the number of elements of an array or entries of an object, or 0.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(*v.arr)
	case KindObject:
		return v.obj.Size()
	}
	return 0
}

// Keys returns the object keys in insertion order, or nil.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, v.obj.Size())
	it := v.obj.Iterator()
	for it.Next() {
		keys = append(keys, it.Key().(string))
	}
	return keys
}

// Range calls fn for each object entry in insertion order until fn returns false.
func (v Value) Range(fn func(key string, child Value) bool) {
	if v.kind != KindObject {
		return
	}
	it := v.obj.Iterator()
	for it.Next() {
		if !fn(it.Key().(string), *it.Value().(*Value)) {
			return
		}
	}
}

// Elems returns a copy of the array elements, or nil.
func (v Value) Elems() []Value {
	if v.kind != KindArray {
		return nil
	}
	out := make([]Value, len(*v.arr))
	copy(out, *v.arr)
	return out
}

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

// AsInt64 returns integers, and floats only when they hold an exact integer.
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt64:
		return v.i, true
	case KindFloat32, KindFloat64:
		if v.f != math.Trunc(v.f) || math.IsInf(v.f, 0) || v.f < math.MinInt64 || v.f >= math.MaxInt64 {
			return 0, false
		}
		return int64(v.f), true
	}
	return 0, false
}

// AsFloat64 widens Float32 and converts integers that are exactly representable.
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindFloat32, KindFloat64:
		return v.f, true
	case KindInt64:
		const exact = 1 << 53
		if v.i > exact || v.i < -exact {
			return 0, false
		}
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	if v.kind == KindString {
		return v.s, true
	}
	return "", false
}

// AsBytes returns Bytes, or the decoded content of a base64 String (the
// textual codec's representation of Bytes).
func (v Value) AsBytes() ([]byte, bool) {
	switch v.kind {
	case KindBytes:
		return v.raw, true
	case KindString:
		if b, err := decodeBase64(v.s); err == nil {
			return b, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		return Bytes(bytes.Clone(v.raw))
	case KindArray:
		arr := make([]Value, len(*v.arr))
		for i, e := range *v.arr {
			arr[i] = e.Clone()
		}
		return Value{kind: KindArray, arr: &arr}
	case KindObject:
		out := NewObject()
		v.Range(func(k string, child Value) bool {
			c := child.Clone()
			out.obj.Put(k, &c)
			return true
		})
		return out
	}
	return v
}

// Equal reports deep equality. Object comparison is order-sensitive,
// Undefined equals Null, and Float32/Float64 compare numerically.
func Equal(a, b Value) bool {
	if a.IsNull() && b.IsNull() {
		return true
	}
	if isFloat(a.kind) && isFloat(b.kind) {
		if a.kind == KindFloat32 || b.kind == KindFloat32 {
			return float32(a.f) == float32(b.f)
		}
		return a.f == b.f
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindBool:
		return a.b == b.b
	case KindInt64:
		return a.i == b.i
	case KindString:
		return a.s == b.s
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindArray:
		if len(*a.arr) != len(*b.arr) {
			return false
		}
		for i := range *a.arr {
			if !Equal((*a.arr)[i], (*b.arr)[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if a.obj.Size() != b.obj.Size() {
			return false
		}
		ai, bi := a.obj.Iterator(), b.obj.Iterator()
		for ai.Next() && bi.Next() {
			if ai.Key().(string) != bi.Key().(string) {
				return false
			}
			if !Equal(*ai.Value().(*Value), *bi.Value().(*Value)) {
				return false
			}
		}
		return true
	}
	return false
}

func isFloat(k Kind) bool { return k == KindFloat32 || k == KindFloat64 }

// String renders v in the textual codec.
func (v Value) String() string {
	return string(EncodeText(v))
}
