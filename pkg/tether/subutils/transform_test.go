package subutils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

func TestDropAndKeepMatching(t *testing.T) {
	base := &testHandler{}
	h := NewTransformingHandler(base, Must(DropMatching("Alive")))

	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Alive", 0)))
	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Ping", 1)))
	assert.Equal(t, 1, base.count())

	base = &testHandler{}
	h = NewTransformingHandler(base, Must(KeepMatching("Hover*")))
	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Ping", 1)))
	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("HoverboardCmd", 1)))
	require.Equal(t, 1, base.count())
	assert.Equal(t, "HoverboardCmd", base.deliveries[0].Envelope.Type)

	_, err := DropMatching("a/+/#/b")
	assert.Error(t, err)
}

func TestJqTransform(t *testing.T) {
	tf, err := JqTransform(`{doubled: (.n * 2), from: $src}`, zaptest.NewLogger(t))
	require.NoError(t, err)

	base := &testHandler{}
	h := NewTransformingHandler(base, tf)
	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Ping", 21)))

	require.Equal(t, 1, base.count())
	got := base.deliveries[0].Value
	doubled, _ := got.Get("doubled").AsInt64()
	assert.EqualValues(t, 42, doubled)
	from, _ := got.Get("from").AsString()
	assert.Equal(t, "A", from)
}

func TestJqTransformDropsOnEmpty(t *testing.T) {
	tf, err := JqTransform(`select(.n > 10)`, nil)
	require.NoError(t, err)

	base := &testHandler{}
	h := NewTransformingHandler(base, tf)
	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Ping", 1)))
	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Ping", 11)))
	assert.Equal(t, 1, base.count())

	_, err = JqTransform(`{`, nil)
	assert.Error(t, err)
}

func TestJqTransformDecodesRawPayload(t *testing.T) {
	tf, err := JqTransform(`.speed`, nil)
	require.NoError(t, err)

	payload := value.NewObject()
	payload.Set("speed", value.Int(9))
	d := router.Delivery{
		Envelope: wire.Envelope{Src: "A", Type: "NotRegistered"},
		Codec:    wire.Text,
		Value:    value.Bytes(value.EncodeText(payload)),
	}
	require.True(t, tf(context.Background(), &d))
	speed, ok := d.Value.AsInt64()
	require.True(t, ok)
	assert.EqualValues(t, 9, speed)
}

func TestLoggingHandler(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := &testHandler{}
	h := NewNamedLoggingHandler(base, zap.New(core), zapcore.InfoLevel, "probe")

	require.NoError(t, h.OnEnvelope(context.Background(), nil, delivery("Ping", 5)))
	assert.Equal(t, 1, base.count())

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "probe", ctx["handler"])
	assert.Equal(t, "Ping", ctx["type"])
	assert.Equal(t, "A", ctx["src"])

	standalone := NewLoggingHandler(nil, zap.New(core), zapcore.DebugLevel)
	require.NoError(t, standalone.OnEnvelope(context.Background(), nil, delivery("Ping", 6)))
	assert.Len(t, logs.All(), 2)
}
