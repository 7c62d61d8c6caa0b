package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/tether/pkg/tether/value"
)

type hoverboardCmd struct {
	Speed int16   `cbor:"speed"`
	Steer int16   `cbor:"steer"`
	Gain  float32 `cbor:"gain"`
	Blob  []byte  `cbor:"blob,omitempty"`
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterStruct[hoverboardCmd](r, "HoverboardCmd",
		Field{Name: "speed", Type: FieldInt, Ordinal: 1},
		Field{Name: "steer", Type: FieldInt, Ordinal: 2},
	))
	return r
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Src: "A", Dst: "B", Type: "Ping", Payload: []byte{0x00, 0xa1, 0xff}}

	for _, codec := range []Codec{Binary, Text} {
		t.Run(codec.String(), func(t *testing.T) {
			data, err := EncodeEnvelope(env, codec)
			require.NoError(t, err)
			assert.Equal(t, codec, DetectCodec(data))

			back, got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, codec, got)
			assert.Equal(t, env, back)
		})
	}
}

func TestEnvelopeBinaryFieldOrder(t *testing.T) {
	data, err := EncodeEnvelope(Envelope{Src: "A", Dst: "B", Type: "T", Payload: []byte{1}}, Binary)
	require.NoError(t, err)

	v, err := value.DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst", "src", "type", "payload"}, v.Keys())
}

func TestBroadcastEnvelopeOmitsDst(t *testing.T) {
	data, err := EncodeEnvelope(Envelope{Src: "A", Type: "T"}, Text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"src":"A","type":"T","payload":""}`, string(data))

	back, err := DecodeEnvelope(data, Text)
	require.NoError(t, err)
	assert.True(t, back.IsBroadcast())
	assert.Equal(t, []byte{}, back.Payload)
}

func TestEnvelopeMalformed(t *testing.T) {
	cases := map[string]struct {
		data  []byte
		codec Codec
	}{
		"cbor array":      {[]byte{0x82, 0x01, 0x02}, Binary},
		"cbor truncated":  {[]byte{0xa2, 0x63, 's', 'r', 'c'}, Binary},
		"cbor no type":    {[]byte{0xa1, 0x63, 's', 'r', 'c', 0x61, 'A'}, Binary},
		"empty":           {nil, Binary},
		"json truncated":  {[]byte(`{"type":"x"`), Text},
		"json no type":    {[]byte(`{"src":"A"}`), Text},
		"json bad type":   {[]byte(`{"type":true}`), Text},
		"json trailing":   {[]byte(`{"type":"x"} {}`), Text},
		"json bad base64": {[]byte(`{"type":"x","payload":"%%"}`), Text},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(tc.data, tc.codec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestCompactEnvelope(t *testing.T) {
	r := newTestRegistry(t)

	full, err := EncodeEnvelope(Envelope{Src: "esp", Type: "HoverboardCmd", Payload: []byte{0xa0}}, Binary)
	require.NoError(t, err)
	compact, err := EncodeCompact(Envelope{Src: "esp", Type: "HoverboardCmd", Payload: []byte{0xa0}}, r)
	require.NoError(t, err)
	assert.Less(t, len(compact), len(full))

	env, err := DecodeEnvelope(compact, Binary)
	require.NoError(t, err)
	assert.Empty(t, env.Type)
	assert.Equal(t, TagFor("HoverboardCmd"), env.Tag)

	require.NoError(t, r.Resolve(&env))
	assert.Equal(t, "HoverboardCmd", env.Type)

	_, err = EncodeCompact(Envelope{Type: "Nope"}, r)
	assert.ErrorIs(t, err, ErrUnknownType)

	unknown := Envelope{Tag: 12345}
	assert.ErrorIs(t, r.Resolve(&unknown), ErrUnknownType)
}

func TestTagFor(t *testing.T) {
	assert.Equal(t, AliveTag, TagFor("Alive"))
	assert.Equal(t, uint32(57419), AliveTag)
	// FNV-1a 32 reference values
	assert.Equal(t, uint32(0x811c9dc5), TagFor(""))
	assert.Equal(t, uint32(0xe40c292c), TagFor("a"))
	assert.Equal(t, TagFor("Ping"), TagFor("Ping"))
	assert.NotEqual(t, TagFor("Ping"), TagFor("Pong"))
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterType("Ping", 0, nil, nil))
	require.NoError(t, r.RegisterType("Ping", TagFor("Ping"), nil, nil))

	err := r.RegisterType("Ping", 7, nil, nil)
	assert.ErrorIs(t, err, ErrRegistryConflict)

	err = r.RegisterType("Other", TagFor("Ping"), nil, nil)
	assert.ErrorIs(t, err, ErrRegistryConflict)

	err = r.RegisterType("", 0, nil, nil)
	assert.ErrorIs(t, err, ErrRegistryConflict)

	assert.Equal(t, []string{"Ping"}, r.Names())
}

func TestTypedRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	cmd := hoverboardCmd{Speed: 100, Steer: -20, Gain: 0.75, Blob: []byte{0, 1, 2}}

	for _, codec := range []Codec{Binary, Text} {
		t.Run(codec.String(), func(t *testing.T) {
			name, payload, err := EncodeTyped(r, cmd, codec)
			require.NoError(t, err)
			assert.Equal(t, "HoverboardCmd", name)

			back, err := DecodeAs[hoverboardCmd](r, payload, codec)
			require.NoError(t, err)
			assert.Equal(t, cmd, back)

			v, err := r.DecodeTyped(name, payload, codec)
			require.NoError(t, err)
			assert.Equal(t, []string{"speed", "steer", "gain", "blob"}, v.Keys())
			assert.Equal(t, value.KindBytes, v.Get("blob").Kind())
			assert.Equal(t, value.KindFloat32, v.Get("gain").Kind())
		})
	}
}

func TestTypedOrdinalsAreCompact(t *testing.T) {
	r := newTestRegistry(t)
	_, payload, err := EncodeTyped(r, hoverboardCmd{Speed: 1, Steer: 2, Gain: 0}, Binary)
	require.NoError(t, err)

	plain, err := value.DecodeBinary(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "gain"}, plain.Keys())
}

func TestDecodeTypedUnknown(t *testing.T) {
	r := NewRegistry()
	raw := []byte{0xa1, 0x61, 'n', 0x07}

	v, err := r.DecodeTyped("NotRegistered", raw, Binary)
	assert.ErrorIs(t, err, ErrUnknownType)
	b, ok := v.AsBytes()
	require.True(t, ok)
	assert.Equal(t, raw, b)
}

func TestEncodeValueSchemaLess(t *testing.T) {
	r := NewRegistry()
	v := value.NewObject()
	v.Set("n", value.Int(7))

	payload, err := r.EncodeValue("Ping", v, Text)
	require.NoError(t, err)
	assert.Equal(t, `{"n":7}`, string(payload))

	payload, err = r.EncodeValue("Ping", v, Binary)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa1, 0x61, 'n', 0x07}, payload)
}

func TestEncodeMessageUnregistered(t *testing.T) {
	_, _, err := NewRegistry().EncodeMessage(hoverboardCmd{}, Binary)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestTranscode(t *testing.T) {
	r := newTestRegistry(t)

	bin := []byte{0xa1, 0x61, 0x74, 0x01}
	same, err := r.Transcode("Telemetry", bin, Binary, Binary)
	require.NoError(t, err)
	assert.Equal(t, bin, same)

	text, err := r.Transcode("Telemetry", bin, Binary, Text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":1}`, string(text))

	// ordinal keys are restored to names on the text side
	_, cmd, err := r.EncodeMessage(hoverboardCmd{Speed: 3, Steer: -1}, Binary)
	require.NoError(t, err)
	text, err = r.Transcode("HoverboardCmd", cmd, Binary, Text)
	require.NoError(t, err)
	assert.Contains(t, string(text), `"speed":3`)
	back, err := r.Transcode("HoverboardCmd", text, Text, Binary)
	require.NoError(t, err)
	got, err := DecodeAs[hoverboardCmd](r, back, Binary)
	require.NoError(t, err)
	assert.Equal(t, hoverboardCmd{Speed: 3, Steer: -1}, got)

	_, err = r.Transcode("Telemetry", []byte{0xa1}, Binary, Text)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCustomCodecs(t *testing.T) {
	r := NewRegistry()
	enc := func(v value.Value, c Codec) ([]byte, error) {
		s, _ := v.AsString()
		return []byte(s), nil
	}
	dec := func(data []byte, c Codec) (value.Value, error) {
		return value.String(string(data)), nil
	}
	require.NoError(t, r.RegisterType("Raw", 0, enc, dec))

	payload, err := r.EncodeValue("Raw", value.String("abc"), Binary)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), payload)

	v, err := r.DecodeTyped("Raw", payload, Binary)
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "abc", s)
}

func TestDiagnose(t *testing.T) {
	data, err := EncodeEnvelope(Envelope{Src: "A", Type: "T", Payload: []byte{1}}, Binary)
	require.NoError(t, err)

	diag, err := Diagnose(data)
	require.NoError(t, err)
	assert.Equal(t, `{"src": "A", "type": "T", "payload": h'01'}`, diag)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("JSON")
	require.NoError(t, err)
	assert.Equal(t, Text, c)

	c, err = ParseCodec("cbor")
	require.NoError(t, err)
	assert.Equal(t, Binary, c)

	_, err = ParseCodec("xml")
	assert.Error(t, err)
}
