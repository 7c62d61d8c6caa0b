package wsbridge

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/wire"
)

type received struct {
	data []byte
	from net.Addr
}

func startBridge(t *testing.T, cfg *Config) (*Transport, <-chan received) {
	t.Helper()
	bridge, err := cfg.WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	require.NoError(t, bridge.Open(context.Background()))

	ch := make(chan received, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Receive(ctx, func(data []byte, from net.Addr) {
		ch <- received{data, from}
	})
	t.Cleanup(func() {
		cancel()
		bridge.Close()
	})
	return bridge, ch
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestBridgeRoundTrip(t *testing.T) {
	bridge, inbound := startBridge(t, NewConfig("dash").WithListen("127.0.0.1:0"))
	require.NotNil(t, bridge.Listening())

	client := dial(t, "ws://"+bridge.Listening().String()+DefaultPath)
	ctx := context.Background()

	msg := []byte(`{"src":"browser","type":"Ping","payload":"e30="}`)
	require.NoError(t, client.Write(ctx, websocket.MessageText, msg))

	var from net.Addr
	select {
	case r := <-inbound:
		assert.Equal(t, msg, r.data)
		from = r.from
		assert.Equal(t, "ws", from.Network())
	case <-time.After(2 * time.Second):
		t.Fatal("client message not received")
	}
	assert.Equal(t, 1, bridge.ConnectionCount())

	require.NoError(t, bridge.Send(ctx, from, []byte(`{"type":"Pong"}`)))
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	typ, data, err := client.Read(readCtx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, `{"type":"Pong"}`, string(data))

	require.NoError(t, bridge.Broadcast(ctx, []byte{0xa1, 0x63}))
	typ, data, err = client.Read(readCtx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, []byte{0xa1, 0x63}, data)
}

func TestBridgeAsHandler(t *testing.T) {
	bridge, inbound := startBridge(t, NewConfig("embedded"))
	assert.Nil(t, bridge.Listening())

	srv := httptest.NewServer(bridge)
	defer srv.Close()

	client := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, client.Write(context.Background(), websocket.MessageText, []byte(`{}`)))

	select {
	case r := <-inbound:
		assert.Equal(t, []byte(`{}`), r.data)
	case <-time.After(2 * time.Second):
		t.Fatal("client message not received")
	}
}

func TestSendToUnknownClient(t *testing.T) {
	bridge, _ := startBridge(t, NewConfig("dash"))
	err := bridge.Send(context.Background(), Addr("nobody#1"), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrNoPeer)
	assert.ErrorIs(t, err, transport.ErrTransport)

	err = bridge.Send(context.Background(), Addr("nobody#1"), make([]byte, DefaultReadLimit+1))
	assert.ErrorIs(t, err, transport.ErrMtuExceeded)
}

func TestShutdownClosesClients(t *testing.T) {
	metrics := o11y.NewStandalone(o11y.StandaloneConfig{}, nil)
	bridge, _ := startBridge(t, NewConfig("dash").WithListen("127.0.0.1:0").WithMetrics(metrics))
	client := dial(t, "ws://"+bridge.Listening().String()+DefaultPath)

	require.Eventually(t, func() bool { return bridge.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), metrics.CounterValue("websocket_connections_total"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The close handshake needs the client to be reading.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.Read(ctx)
		readErr <- err
	}()

	require.NoError(t, bridge.Shutdown(ctx))
	assert.Zero(t, bridge.ConnectionCount())
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))

	assert.ErrorIs(t, bridge.Broadcast(ctx, []byte("x")), transport.ErrClosed)
}

func TestPreferredCodec(t *testing.T) {
	bridge, err := NewConfig("dash").Build()
	require.NoError(t, err)

	var tr transport.Transport = bridge
	p, ok := tr.(transport.CodecPreferrer)
	require.True(t, ok)
	assert.Equal(t, wire.Text, p.PreferredCodec())

	_, err = NewConfig("").Build()
	assert.Error(t, err)
}
