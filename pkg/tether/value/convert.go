package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
)

// ToAny converts v into plain Go values: nil, bool, int, float64, string,
// []any and map[string]any. Bytes become base64 strings. The result is
// suitable for gojq and encoding/json; object order is lost.
func ToAny(v Value) any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt64:
		if v.i >= math.MinInt && v.i <= math.MaxInt {
			return int(v.i)
		}
		return float64(v.i)
	case KindFloat32, KindFloat64:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case KindArray:
		out := make([]any, len(*v.arr))
		for i, e := range *v.arr {
			out[i] = ToAny(e)
		}
		return out
	case KindObject:
		out := make(map[string]any, v.obj.Size())
		v.Range(func(k string, child Value) bool {
			out[k] = ToAny(child)
			return true
		})
		return out
	}
	return nil
}

// FromAny converts plain Go values into a Value. Map keys are sorted since
// Go maps carry no order. Unsupported types produce an error.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return Float32(t), nil
	case float64:
		return Float(t), nil
	case *big.Int:
		if t.IsInt64() {
			return Int(t.Int64()), nil
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return Float(f), nil
	case *big.Float:
		if t.IsInt() {
			if i, acc := t.Int64(); acc == big.Exact {
				return Int(i), nil
			}
		}
		f, _ := t.Float64()
		return Float(f), nil
	case json.Number:
		return parseNumber(t)
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case []string:
		return Strings(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return Value{kind: KindArray, arr: &arr}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			cv, err := FromAny(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj.Set(k, cv)
		}
		return obj, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[keyString(k)] = e
		}
		return FromAny(m)
	}
	return Value{}, fmt.Errorf("%w: unsupported Go type %T", ErrTypeMismatch, x)
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Float(float64(u))
	}
	return Int(int64(u))
}

func keyString(k any) string {
	switch t := k.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	}
	return fmt.Sprint(k)
}
