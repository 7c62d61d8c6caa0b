package router

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/tether/pkg/tether/presence"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/transport/mem"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

func telemetry(t *testing.T) value.Value {
	t.Helper()
	v := value.NewObject()
	require.NoError(t, v.Set("t", value.Int(1)))
	return v
}

func fromSrc(ds []Delivery, src string) []Delivery {
	var out []Delivery
	for _, d := range ds {
		if d.Envelope.Src == src {
			out = append(out, d)
		}
	}
	return out
}

func TestForwardUnknownRaw(t *testing.T) {
	f := newFixture(t)
	a := f.node("A")
	b := f.node("B")
	c := f.node("C")
	rec := &recorder{}
	_, err := c.Subscribe(context.Background(), "Telemetry", rec)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "Telemetry", HandlerFunc(func(ctx context.Context, h Handle, d Delivery) error {
		if d.Known {
			return nil
		}
		raw, _ := d.Value.AsBytes()
		return h.SendRaw(ctx, "C", d.Envelope.Type, raw, d.Codec)
	}))
	require.NoError(t, err)
	f.discover(a, b, c)

	require.NoError(t, a.PublishValue(context.Background(), "Telemetry", telemetry(t)))

	var fwd []Delivery
	require.Eventually(t, func() bool {
		fwd = fromSrc(rec.ofType("Telemetry"), "B")
		return len(fwd) == 1
	}, waitFor, pollEvery)
	d := fwd[0]
	assert.Equal(t, "C", d.Envelope.Dst)
	assert.Equal(t, wire.Binary, d.Codec)
	assert.False(t, d.Known)
	raw, _ := d.Value.AsBytes()
	assert.Equal(t, value.EncodeBinary(telemetry(t)), raw)
}

// textOnly is a link whose far side reads only the text codec.
type textOnly struct{ *mem.Transport }

func (textOnly) PreferredCodec() wire.Codec { return wire.Text }

func TestRawPayloadOnTextOnlyTransport(t *testing.T) {
	f := newFixture(t)
	a := f.nodeWith("A", textOnly{f.hub.New("A", 0)})
	b := f.node("B")
	rec := &recorder{}
	_, err := b.Subscribe(context.Background(), "Telemetry", rec)
	require.NoError(t, err)
	f.discover(a, b)

	bin := value.EncodeBinary(telemetry(t))
	require.NoError(t, a.PublishRaw(context.Background(), "Telemetry", bin, wire.Binary))
	d := rec.waitType(t, "Telemetry", 1)[0]
	assert.Equal(t, wire.Text, d.Codec)
	assert.False(t, d.Known)
	raw, _ := d.Value.AsBytes()
	assert.JSONEq(t, `{"t":1}`, string(raw))

	require.NoError(t, a.SendRaw(context.Background(), "B", "Telemetry", bin, wire.Binary))
	d = rec.waitType(t, "Telemetry", 2)[1]
	assert.Equal(t, "B", d.Envelope.Dst)
	assert.Equal(t, wire.Text, d.Codec)

	err = a.PublishRaw(context.Background(), "Telemetry", []byte{0xa1}, wire.Binary)
	assert.ErrorIs(t, err, wire.ErrMalformed)
	assert.Error(t, a.PublishRaw(context.Background(), "", bin, wire.Binary))
}

func TestRawPayloadKeepsItsCodec(t *testing.T) {
	f := newFixture(t)
	a := f.node("A")
	b := f.node("B")
	rec := &recorder{}
	_, err := b.Subscribe(context.Background(), "Telemetry", rec)
	require.NoError(t, err)

	text := value.EncodeText(telemetry(t))
	require.NoError(t, a.PublishRaw(context.Background(), "Telemetry", text, wire.Text))
	d := rec.waitType(t, "Telemetry", 1)[0]
	assert.Equal(t, wire.Text, d.Codec)
	raw, _ := d.Value.AsBytes()
	assert.Equal(t, text, raw)
}

// stuck blocks every Broadcast until it is closed.
type stuck struct {
	*mem.Transport
	entered   chan struct{}
	closed    chan struct{}
	enterOnce sync.Once
	closeOnce sync.Once
}

func (s *stuck) Broadcast(ctx context.Context, data []byte) error {
	s.enterOnce.Do(func() { close(s.entered) })
	<-s.closed
	return transport.ErrClosed
}

func (s *stuck) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.Transport.Close()
}

func TestStopClosesStuckTransport(t *testing.T) {
	f := newFixture(t)
	tr := &stuck{Transport: f.hub.New("A", 0), entered: make(chan struct{}), closed: make(chan struct{})}
	a := f.nodeWith("A", tr, func(b *Builder) { b.WithDrainTimeout(20 * time.Millisecond) })
	<-tr.entered

	start := time.Now()
	require.NoError(t, a.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestUnicastFanoutSkipsBadPatterns(t *testing.T) {
	f := newFixture(t)
	a := f.node("A", func(b *Builder) { b.WithPublishMode(Unicast) })

	x := f.hub.New("X", 0)
	require.NoError(t, x.Open(context.Background()))
	got := make(chan wire.Envelope, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go x.Receive(ctx, func(data []byte, from net.Addr) {
		if e, _, err := wire.Decode(data); err == nil && e.Dst == "X" {
			got <- e
		}
	})
	t.Cleanup(func() {
		cancel()
		x.Close()
	})

	_, payload, err := wire.EncodeTyped(f.reg, presence.Alive{Subscriptions: []string{"a/+/#/b", "Hover*"}}, wire.Binary)
	require.NoError(t, err)
	beacon, err := wire.EncodeEnvelope(wire.Envelope{Src: "X", Type: wire.AliveName, Payload: payload}, wire.Binary)
	require.NoError(t, err)
	require.NoError(t, x.Broadcast(context.Background(), beacon))
	require.Eventually(t, func() bool {
		ep, ok := a.Endpoint("X")
		return ok && len(ep.Subscriptions) == 2
	}, waitFor, pollEvery)

	require.NoError(t, a.Publish(context.Background(), HoverboardCmd{Speed: 1}))
	select {
	case e := <-got:
		assert.Equal(t, "A", e.Src)
		assert.Equal(t, "HoverboardCmd", e.Type)
	case <-time.After(waitFor):
		t.Fatal("publication not sent to the peer's valid pattern")
	}
}
