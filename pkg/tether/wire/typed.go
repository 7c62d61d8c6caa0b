package wire

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tsarna/tether/pkg/tether/value"
)

// RegisterStruct binds the Go struct type T to name. Field names and types
// are taken from T (cbor tag, then json tag, then the field name); fields
// passed explicitly override the inferred ones, which is how ordinals are
// assigned.
//
//	type HoverboardCmd struct {
//		Speed int16 `cbor:"speed"`
//		Steer int16 `cbor:"steer"`
//	}
//
//	wire.RegisterStruct[HoverboardCmd](reg, "HoverboardCmd",
//		wire.Field{Name: "speed", Type: wire.FieldInt, Ordinal: 1})
func RegisterStruct[T any](r *Registry, name string, fields ...Field) error {
	t := reflect.TypeFor[T]()
	inferred, err := structFields(t)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	for _, f := range fields {
		replaced := false
		for i := range inferred {
			if inferred[i].Name == f.Name {
				inferred[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			inferred = append(inferred, f)
		}
	}
	return r.Register(Descriptor{Name: name, Fields: inferred, goType: t})
}

func structFields(t reflect.Type) ([]Field, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%s is not a struct", t)
	}
	var fields []Field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		tag, ok := sf.Tag.Lookup("cbor")
		if !ok {
			tag, ok = sf.Tag.Lookup("json")
		}
		if ok {
			n, _, _ := strings.Cut(tag, ",")
			if n == "-" {
				continue
			}
			if n != "" {
				name = n
			}
		}
		fields = append(fields, Field{Name: name, Type: fieldTypeOf(sf.Type)})
	}
	return fields, nil
}

func fieldTypeOf(t reflect.Type) FieldType {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return FieldBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FieldInt
	case reflect.Float32:
		return FieldFloat32
	case reflect.Float64:
		return FieldFloat
	case reflect.String:
		return FieldString
	case reflect.Slice, reflect.Array:
		switch t.Elem().Kind() {
		case reflect.Uint8:
			return FieldBytes
		case reflect.String:
			return FieldStrings
		}
		return FieldArray
	case reflect.Map, reflect.Struct:
		return FieldObject
	}
	return FieldAny
}

// ToValue converts a registered Go value into a Value, keeping struct field
// order and float32 precision.
func ToValue(msg any) (value.Value, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return value.Value{}, err
	}
	return value.DecodeBinary(data)
}

// FromValue fills out from v, matching object keys to struct fields the same
// way RegisterStruct names them.
func FromValue(v value.Value, out any) error {
	return decMode.Unmarshal(value.EncodeBinary(v), out)
}

// EncodeMessage encodes a registered Go value. It returns the type name to
// put in the envelope along with the payload.
func (r *Registry) EncodeMessage(msg any, codec Codec) (string, []byte, error) {
	t := reflect.TypeOf(msg)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	d, ok := r.lookupGoType(t)
	if !ok {
		return "", nil, fmt.Errorf("%w: Go type %v", ErrUnknownType, t)
	}
	v, err := ToValue(msg)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", d.Name, err)
	}
	payload, err := d.EncodeValue(v, codec)
	if err != nil {
		return "", nil, err
	}
	return d.Name, payload, nil
}

// EncodeTyped encodes msg, whose type must have been bound with RegisterStruct.
func EncodeTyped[T any](r *Registry, msg T, codec Codec) (string, []byte, error) {
	return r.EncodeMessage(msg, codec)
}

// DecodeAs decodes a payload of the type bound to T.
func DecodeAs[T any](r *Registry, data []byte, codec Codec) (T, error) {
	var out T
	d, ok := r.lookupGoType(reflect.TypeFor[T]())
	if !ok {
		return out, fmt.Errorf("%w: Go type %T", ErrUnknownType, out)
	}
	v, err := d.DecodeValue(data, codec)
	if err != nil {
		return out, err
	}
	if err := FromValue(v, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, d.Name, err)
	}
	return out, nil
}

// TypeName returns the registered name for T.
func TypeName[T any](r *Registry) (string, bool) {
	d, ok := r.lookupGoType(reflect.TypeFor[T]())
	if !ok {
		return "", false
	}
	return d.Name, true
}
