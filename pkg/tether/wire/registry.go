package wire

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"sync"

	"github.com/tsarna/tether/pkg/tether/value"
)

// AliveName is the reserved presence message type.
const AliveName = "Alive"

// AliveTag is the well-known numeric tag of AliveName. Deployed devices
// hard-code it, so it is fixed rather than derived.
const AliveTag uint32 = 57419

// TagFor derives the numeric tag of a type name: FNV-1a 32-bit, except for
// the reserved Alive type.
func TagFor(name string) uint32 {
	if name == AliveName {
		return AliveTag
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// FieldType is the declared type of a schema field. It drives coercion of
// values whose type the textual codec cannot preserve.
type FieldType uint8

const (
	FieldAny FieldType = iota
	FieldBool
	FieldInt
	FieldFloat32
	FieldFloat
	FieldString
	FieldBytes
	FieldStrings
	FieldArray
	FieldObject
)

var fieldTypeNames = [...]string{
	FieldAny:     "any",
	FieldBool:    "bool",
	FieldInt:     "int",
	FieldFloat32: "float32",
	FieldFloat:   "float",
	FieldString:  "string",
	FieldBytes:   "bytes",
	FieldStrings: "strings",
	FieldArray:   "array",
	FieldObject:  "object",
}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return "invalid"
}

// Field describes one top-level payload field. A non-zero Ordinal replaces
// the field name with that integer key in the binary codec.
type Field struct {
	Name    string
	Type    FieldType
	Ordinal uint64
}

// EncodeFunc writes a payload value in the given codec.
type EncodeFunc func(v value.Value, codec Codec) ([]byte, error)

// DecodeFunc reads a payload in the given codec.
type DecodeFunc func(data []byte, codec Codec) (value.Value, error)

// Descriptor binds a message type name to its tag, schema and codecs.
type Descriptor struct {
	Name   string
	Tag    uint32
	Fields []Field
	// Encode and Decode override the schema-driven codecs when set.
	Encode EncodeFunc
	Decode DecodeFunc

	goType   reflect.Type
	ordinals map[string]uint64
	names    map[uint64]string
	byName   map[string]FieldType
}

func (d *Descriptor) index() {
	d.ordinals = make(map[string]uint64)
	d.names = make(map[uint64]string)
	d.byName = make(map[string]FieldType, len(d.Fields))
	for _, f := range d.Fields {
		d.byName[f.Name] = f.Type
		if f.Ordinal != 0 {
			d.ordinals[f.Name] = f.Ordinal
			d.names[f.Ordinal] = f.Name
		}
	}
}

// EncodeValue writes v as this type's payload.
func (d *Descriptor) EncodeValue(v value.Value, codec Codec) ([]byte, error) {
	if d.Encode != nil {
		return d.Encode(v, codec)
	}
	switch codec {
	case Binary:
		return value.EncodeBinaryWith(v, value.BinaryOptions{Ordinals: d.ordinals}), nil
	case Text:
		return value.EncodeText(v), nil
	}
	return nil, fmt.Errorf("unsupported codec %s", codec)
}

// DecodeValue reads a payload of this type, restoring ordinal keys and
// coercing fields to their declared types.
func (d *Descriptor) DecodeValue(data []byte, codec Codec) (value.Value, error) {
	if d.Decode != nil {
		return d.Decode(data, codec)
	}
	var v value.Value
	var err error
	switch codec {
	case Binary:
		v, err = value.DecodeBinaryWith(data, value.BinaryOptions{Names: d.names})
	case Text:
		v, err = value.DecodeText(data)
	default:
		return value.Value{}, fmt.Errorf("unsupported codec %s", codec)
	}
	if err != nil {
		return value.Value{}, fmt.Errorf("%s payload: %w", d.Name, err)
	}
	return d.coerce(v), nil
}

func (d *Descriptor) coerce(v value.Value) value.Value {
	if v.Kind() != value.KindObject || len(d.byName) == 0 {
		return v
	}
	for _, k := range v.Keys() {
		if ft, ok := d.byName[k]; ok {
			v.At(k).Assign(coerceField(v.Get(k), ft))
		}
	}
	return v
}

func coerceField(v value.Value, ft FieldType) value.Value {
	switch ft {
	case FieldBytes:
		if v.Kind() == value.KindString {
			if b, ok := v.AsBytes(); ok {
				return value.Bytes(b)
			}
		}
	case FieldFloat:
		if v.Kind() == value.KindInt64 || v.Kind() == value.KindFloat32 {
			if f, ok := v.AsFloat64(); ok {
				return value.Float(f)
			}
		}
	case FieldFloat32:
		if f, ok := v.AsFloat64(); ok && v.Kind() != value.KindFloat32 {
			return value.Float32(float32(f))
		}
	case FieldInt:
		if v.Kind() == value.KindFloat64 || v.Kind() == value.KindFloat32 {
			if n, ok := v.AsInt64(); ok {
				return value.Int(n)
			}
		}
	}
	return v
}

// Registry maps type names and tags to descriptors. It is safe for
// concurrent use; registration normally happens before a router starts.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byTag  map[uint32]*Descriptor
	byType map[reflect.Type]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		byTag:  make(map[uint32]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
}

// DefaultRegistry is used by package-level helpers and by routers built
// without an explicit registry.
var DefaultRegistry = NewRegistry()

// Register adds d. A zero Tag is derived with TagFor. Registering the same
// name again with the same tag replaces the schema; a different tag for the
// name, or a tag already bound to another name, is ErrRegistryConflict.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrRegistryConflict)
	}
	if d.Tag == 0 {
		d.Tag = TagFor(d.Name)
	}
	d.index()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[d.Name]; ok && existing.Tag != d.Tag {
		return fmt.Errorf("%w: %q registered with tag %d, not %d", ErrRegistryConflict, d.Name, existing.Tag, d.Tag)
	}
	if other, ok := r.byTag[d.Tag]; ok && other.Name != d.Name {
		return fmt.Errorf("%w: tag %d of %q collides with %q", ErrRegistryConflict, d.Tag, d.Name, other.Name)
	}

	dp := &d
	if old, ok := r.byName[d.Name]; ok && old.goType != nil && old.goType != d.goType {
		delete(r.byType, old.goType)
	}
	r.byName[d.Name] = dp
	r.byTag[d.Tag] = dp
	if d.goType != nil {
		r.byType[d.goType] = dp
	}
	return nil
}

// RegisterType is the function form of Register.
func (r *Registry) RegisterType(name string, tag uint32, enc EncodeFunc, dec DecodeFunc) error {
	return r.Register(Descriptor{Name: name, Tag: tag, Encode: enc, Decode: dec})
}

func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) LookupTag(tag uint32) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTag[tag]
	return d, ok
}

func (r *Registry) lookupGoType(t reflect.Type) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	return d, ok
}

// Names lists registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve fills e.Type from e.Tag for compact envelopes.
func (r *Registry) Resolve(e *Envelope) error {
	if e.Type != "" {
		return nil
	}
	d, ok := r.LookupTag(e.Tag)
	if !ok {
		return fmt.Errorf("%w: tag %d", ErrUnknownType, e.Tag)
	}
	e.Type = d.Name
	return nil
}

// EncodeValue encodes v as the payload of typeName. Unregistered types are
// written schema-less.
func (r *Registry) EncodeValue(typeName string, v value.Value, codec Codec) ([]byte, error) {
	if d, ok := r.Lookup(typeName); ok {
		return d.EncodeValue(v, codec)
	}
	switch codec {
	case Binary:
		return value.EncodeBinary(v), nil
	case Text:
		return value.EncodeText(v), nil
	}
	return nil, fmt.Errorf("unsupported codec %s", codec)
}

// DecodeTyped decodes a payload of typeName. For unregistered types it
// returns the raw payload as a Bytes value together with ErrUnknownType.
func (r *Registry) DecodeTyped(typeName string, data []byte, codec Codec) (value.Value, error) {
	d, ok := r.Lookup(typeName)
	if !ok {
		return value.Bytes(data), fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return d.DecodeValue(data, codec)
}

// Transcode rewrites a typeName payload from one codec to another. Equal
// codecs return data unchanged. Unregistered types are converted
// schema-less.
func (r *Registry) Transcode(typeName string, data []byte, from, to Codec) ([]byte, error) {
	if from == to {
		return data, nil
	}
	var v value.Value
	var err error
	if d, ok := r.Lookup(typeName); ok {
		v, err = d.DecodeValue(data, from)
	} else {
		switch from {
		case Binary:
			v, err = value.DecodeBinary(data)
		case Text:
			v, err = value.DecodeText(data)
		default:
			err = fmt.Errorf("unsupported codec %s", from)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transcode %s payload: %w", ErrMalformed, typeName, err)
	}
	return r.EncodeValue(typeName, v, to)
}

// Register adds d to DefaultRegistry.
func Register(d Descriptor) error {
	return DefaultRegistry.Register(d)
}

// DecodeTyped decodes through DefaultRegistry.
func DecodeTyped(typeName string, data []byte, codec Codec) (value.Value, error) {
	return DefaultRegistry.DecodeTyped(typeName, data, codec)
}
