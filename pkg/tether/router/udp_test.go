package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/tether/pkg/tether/transport/udp"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}

// udpNode starts a router on the real UDP transport with a fast heartbeat.
// The test is skipped when the multicast join fails.
func udpNode(t *testing.T, reg *wire.Registry, port int, name string, configure ...func(*Builder)) (*Router, *udp.Transport) {
	t.Helper()
	tr, err := udp.New(udp.Config{Port: port}, zaptest.NewLogger(t))
	require.NoError(t, err)
	b := New(name).
		WithLogger(zaptest.NewLogger(t)).
		WithTransport(tr).
		WithRegistry(reg).
		WithHeartbeat(50*time.Millisecond, 150*time.Millisecond).
		WithIncarnation(name + "-1")
	for _, c := range configure {
		c(b)
	}
	r, err := b.Build()
	require.NoError(t, err)
	if err := r.Start(context.Background()); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	t.Cleanup(func() {
		if r.running() {
			r.Stop(context.Background())
		}
	})
	return r, tr
}

func TestRouterOverUDP(t *testing.T) {
	port := freeUDPPort(t)
	reg := newRegistry(t)
	a, trA := udpNode(t, reg, port, "A")
	b, trB := udpNode(t, reg, port, "B", func(b *Builder) { b.WithUnicastCodec(wire.Text) })
	rec := &recorder{}
	_, err := b.Subscribe(context.Background(), "*", rec)
	require.NoError(t, err)

	deadline := time.Now().Add(waitFor)
	for {
		_, errA := a.Resolve("B")
		_, errB := b.Resolve("A")
		if errA == nil && errB == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Skip("multicast loopback not routed on this host")
		}
		time.Sleep(pollEvery)
	}

	ep, ok := a.Endpoint("B")
	require.True(t, ok)
	assert.Equal(t, "udp", ep.Transport)
	assert.Equal(t, "text", ep.Codec)
	assert.Equal(t, "B-1", ep.Incarnation)
	addr, ok := ep.Address.(*net.UDPAddr)
	require.True(t, ok, "address %v", ep.Address)
	assert.Equal(t, trB.UnicastPort(), addr.Port)
	assert.NotEqual(t, port, addr.Port)

	require.NoError(t, a.SendTo(context.Background(), "B", "Ping", ping(t, 7)))
	d := rec.waitType(t, "Ping", 1)[0]
	assert.Equal(t, "A", d.Envelope.Src)
	assert.Equal(t, "B", d.Envelope.Dst)
	assert.Equal(t, wire.Text, d.Codec)
	assert.Equal(t, "udp", d.Transport)
	assert.True(t, d.Known)
	assert.True(t, value.Equal(ping(t, 7), d.Value), "got %s", d.Value)
	assert.Equal(t, trA.UnicastPort(), d.From.(*net.UDPAddr).Port)

	require.NoError(t, a.PublishValue(context.Background(), "NotRegistered", value.String("x")))
	d = rec.waitType(t, "NotRegistered", 1)[0]
	assert.False(t, d.Known)
	assert.Equal(t, wire.Binary, d.Codec)
	raw, _ := d.Value.AsBytes()
	assert.Equal(t, value.EncodeBinary(value.String("x")), raw)

	require.NoError(t, b.Stop(context.Background()))
	require.Eventually(t, func() bool {
		_, err := a.Resolve("B")
		return err != nil
	}, waitFor, pollEvery)
	err = a.SendTo(context.Background(), "B", "Ping", ping(t, 1))
	assert.ErrorIs(t, err, ErrUnresolved)
}
