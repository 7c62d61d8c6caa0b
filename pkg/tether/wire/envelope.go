// Package wire defines the tether envelope, its two codecs and the registry
// of message types carried in envelope payloads.
//
// An envelope is a four-field record {dst, src, type, payload}. The payload
// is opaque at this level; it is written in the same codec as the envelope
// that carries it, so a receiver can tell how to read the payload from the
// envelope alone.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/tsarna/tether/pkg/tether/value"
)

// Codec selects one of the two wire encodings.
type Codec uint8

const (
	// Binary is CBOR, used for beacons and constrained links.
	Binary Codec = iota
	// Text is single-line JSON, used by desktops and bridges.
	Text
)

func (c Codec) String() string {
	switch c {
	case Binary:
		return "binary"
	case Text:
		return "text"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodec accepts "binary" (or "cbor") and "text" (or "json").
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary", "cbor", "":
		return Binary, nil
	case "text", "json":
		return Text, nil
	}
	return Binary, fmt.Errorf("unknown codec %q", s)
}

var (
	// ErrMalformed matches every decode failure, including value.MalformedError.
	ErrMalformed = value.ErrMalformed
	// ErrUnknownType is returned for type names and tags absent from the registry.
	ErrUnknownType = errors.New("unknown message type")
	// ErrRegistryConflict is returned when two registrations disagree on a tag.
	ErrRegistryConflict = errors.New("message type registry conflict")
)

// Envelope is the routable wrapper around one typed payload.
type Envelope struct {
	// Src names the sender. Required for routable traffic.
	Src string
	// Dst names the receiver; empty means broadcast.
	Dst string
	// Type is the symbolic message type. Compact envelopes leave it empty
	// until resolved through a Registry.
	Type string
	// Tag is the numeric type tag carried by compact envelopes, or 0.
	Tag uint32
	// Payload is the typed message in the envelope's codec.
	Payload []byte
}

func (e Envelope) IsBroadcast() bool { return e.Dst == "" }

// TypeOrTag renders the type for logs, falling back to the numeric tag.
func (e Envelope) TypeOrTag() string {
	if e.Type != "" {
		return e.Type
	}
	return fmt.Sprintf("#%d", e.Tag)
}

type binaryEnvelope struct {
	Dst     string          `cbor:"dst,omitempty"`
	Src     string          `cbor:"src,omitempty"`
	Type    cbor.RawMessage `cbor:"type"`
	Payload []byte          `cbor:"payload"`
}

type textEnvelope struct {
	Dst     string          `json:"dst,omitempty"`
	Src     string          `json:"src,omitempty"`
	Type    json.RawMessage `json:"type"`
	Payload []byte          `json:"payload"`
}

// EncodeEnvelope serializes e using its symbolic type name.
func EncodeEnvelope(e Envelope, codec Codec) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: envelope has no type", ErrMalformed)
	}
	return encodeEnvelope(e, codec, false)
}

// EncodeCompact serializes e with its numeric tag in place of the type name.
// The tag is taken from e.Tag, or resolved from e.Type through r.
func EncodeCompact(e Envelope, r *Registry) ([]byte, error) {
	if e.Tag == 0 {
		d, ok := r.Lookup(e.Type)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
		}
		e.Tag = d.Tag
	}
	return encodeEnvelope(e, Binary, true)
}

func encodeEnvelope(e Envelope, codec Codec, compact bool) ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	switch codec {
	case Binary:
		var typ []byte
		var err error
		if compact {
			typ, err = encMode.Marshal(e.Tag)
		} else {
			typ, err = encMode.Marshal(e.Type)
		}
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(binaryEnvelope{Dst: e.Dst, Src: e.Src, Type: typ, Payload: payload})
	case Text:
		var typ []byte
		if compact {
			typ = []byte(fmt.Sprint(e.Tag))
		} else {
			typ = value.EncodeText(value.String(e.Type))
		}
		return json.Marshal(textEnvelope{Dst: e.Dst, Src: e.Src, Type: typ, Payload: payload})
	}
	return nil, fmt.Errorf("unsupported codec %s", codec)
}

// DetectCodec infers the envelope codec from the first significant byte.
// A CBOR envelope always starts with a map head, never with '{'.
func DetectCodec(data []byte) Codec {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return Text
	}
	return Binary
}

// Decode detects the codec and parses the envelope.
func Decode(data []byte) (Envelope, Codec, error) {
	codec := DetectCodec(data)
	e, err := DecodeEnvelope(data, codec)
	return e, codec, err
}

// DecodeEnvelope parses an envelope without interpreting its payload.
// Compact envelopes come back with Tag set and Type empty.
func DecodeEnvelope(data []byte, codec Codec) (Envelope, error) {
	switch codec {
	case Binary:
		return decodeBinaryEnvelope(data)
	case Text:
		return decodeTextEnvelope(data)
	}
	return Envelope{}, fmt.Errorf("unsupported codec %s", codec)
}

func decodeBinaryEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 || data[0]>>5 != 5 {
		return Envelope{}, &value.MalformedError{Codec: "cbor", Pos: 0, Reason: "envelope is not a map"}
	}
	var be binaryEnvelope
	if err := decMode.Unmarshal(data, &be); err != nil {
		return Envelope{}, &value.MalformedError{Codec: "cbor", Pos: 0, Reason: err.Error()}
	}
	e := Envelope{Src: be.Src, Dst: be.Dst, Payload: be.Payload}
	if len(be.Type) == 0 {
		return Envelope{}, &value.MalformedError{Codec: "cbor", Pos: 0, Reason: "envelope has no type"}
	}
	var name string
	if err := decMode.Unmarshal(be.Type, &name); err == nil {
		e.Type = name
	} else {
		var tag uint32
		if err := decMode.Unmarshal(be.Type, &tag); err != nil || tag == 0 {
			return Envelope{}, &value.MalformedError{Codec: "cbor", Pos: 0, Reason: "envelope type is neither a name nor a tag"}
		}
		e.Tag = tag
	}
	if e.Type == "" && e.Tag == 0 {
		return Envelope{}, &value.MalformedError{Codec: "cbor", Pos: 0, Reason: "envelope type is empty"}
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	return e, nil
}

func decodeTextEnvelope(data []byte) (Envelope, error) {
	var te textEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&te); err != nil {
		return Envelope{}, &value.MalformedError{Codec: "json", Pos: int(dec.InputOffset()), Reason: err.Error()}
	}
	if dec.More() {
		return Envelope{}, &value.MalformedError{Codec: "json", Pos: int(dec.InputOffset()), Reason: "trailing data after envelope"}
	}
	e := Envelope{Src: te.Src, Dst: te.Dst, Payload: te.Payload}
	if len(te.Type) == 0 {
		return Envelope{}, &value.MalformedError{Codec: "json", Pos: 0, Reason: "envelope has no type"}
	}
	if err := json.Unmarshal(te.Type, &e.Type); err != nil {
		var tag uint32
		if err := json.Unmarshal(te.Type, &tag); err != nil || tag == 0 {
			return Envelope{}, &value.MalformedError{Codec: "json", Pos: 0, Reason: "envelope type is neither a name nor a tag"}
		}
		e.Tag = tag
	}
	if e.Type == "" && e.Tag == 0 {
		return Envelope{}, &value.MalformedError{Codec: "json", Pos: 0, Reason: "envelope type is empty"}
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	return e, nil
}
