// Package wsbridge lets WebSocket clients, such as browser dashboards, join
// the bus. Each client connection is a peer with its own address; clients
// announce themselves with Alive envelopes like any other node and exchange
// envelopes in the text codec, one per WebSocket message.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// ErrClientQueueFull is returned by Send when a client is not keeping up.
var ErrClientQueueFull = errors.New("websocket client queue full")

// Addr identifies one client connection.
type Addr string

func (a Addr) Network() string { return "ws" }
func (a Addr) String() string  { return string(a) }

type packet struct {
	data []byte
	from Addr
}

// Transport accepts WebSocket clients. It implements http.Handler.
type Transport struct {
	config *Config
	logger *zap.Logger

	activeConnections o11y.Gauge
	totalConnections  o11y.Counter
	messagesIn        o11y.Counter
	messagesOut       o11y.Counter
	dropped           o11y.Counter

	inbound chan packet
	nextID  atomic.Uint64

	mu          sync.RWMutex
	open        bool
	closed      chan struct{}
	server      *http.Server
	boundAddr   net.Addr
	connections map[Addr]*connection
}

func newTransport(c *Config) *Transport {
	return &Transport{
		config:            c,
		logger:            c.logger.With(zap.String("transport", c.name)),
		activeConnections: c.metrics.Gauge("websocket_active_connections"),
		totalConnections:  c.metrics.Counter("websocket_connections_total"),
		messagesIn:        c.metrics.Counter("websocket_messages_received_total"),
		messagesOut:       c.metrics.Counter("websocket_messages_sent_total"),
		dropped:           c.metrics.Counter("websocket_messages_dropped_total"),
		inbound:           make(chan packet, c.queueSize),
		connections:       make(map[Addr]*connection),
	}
}

func (t *Transport) Name() string { return t.config.name }

func (t *Transport) MTU() int { return int(t.config.readLimit) }

// Listening returns the address of the bridge's own HTTP server, if any.
func (t *Transport) Listening() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.boundAddr
}

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}
	t.closed = make(chan struct{})

	if t.config.listen != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", t.config.listen)
		if err != nil {
			return transport.Wrap(t.config.name, "listen", err)
		}
		mux := http.NewServeMux()
		mux.Handle(t.config.path, t)
		t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		t.boundAddr = ln.Addr()
		go func(srv *http.Server) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Error("WebSocket server failed", zap.Error(err))
			}
		}(t.server)
		t.logger.Info("WebSocket bridge listening",
			zap.Stringer("addr", ln.Addr()),
			zap.String("path", t.config.path),
		)
	}
	t.open = true
	return nil
}

func (t *Transport) state() (chan struct{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed, t.open
}

// ServeHTTP upgrades the request and serves the client until it leaves or
// the transport is closed.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		t.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	addr := Addr(fmt.Sprintf("%s#%d", r.RemoteAddr, t.nextID.Add(1)))
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		conn.Close(websocket.StatusServiceRestart, "Bridge not running")
		return
	}
	c := newConnection(t, conn, addr)
	t.connections[addr] = c
	count := len(t.connections)
	t.mu.Unlock()

	ctx := context.Background()
	t.totalConnections.Add(ctx, 1)
	t.activeConnections.Set(ctx, float64(count))
	t.logger.Debug("WebSocket client connected",
		zap.Stringer("peer", addr),
		zap.Int("active_connections", count),
	)

	c.serve(r.Context())

	t.mu.Lock()
	delete(t.connections, addr)
	count = len(t.connections)
	t.mu.Unlock()
	t.activeConnections.Set(ctx, float64(count))
	t.logger.Debug("WebSocket client disconnected",
		zap.Stringer("peer", addr),
		zap.Int("active_connections", count),
	)
}

// deliver queues a client message for Receive, dropping it when the queue
// is full.
func (t *Transport) deliver(data []byte, from Addr) {
	t.messagesIn.Add(context.Background(), 1)
	select {
	case t.inbound <- packet{data: data, from: from}:
	default:
		t.dropped.Add(context.Background(), 1, o11y.L("direction", "in"))
		t.logger.Warn("Inbound queue full, dropping client message", zap.Stringer("peer", from))
	}
}

// Receive delivers client messages in arrival order.
func (t *Transport) Receive(ctx context.Context, deliver transport.DeliverFunc) error {
	closed, open := t.state()
	if !open {
		return transport.ErrClosed
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return transport.ErrClosed
		case p := <-t.inbound:
			deliver(p.data, p.from)
		}
	}
}

func (t *Transport) lookup(to net.Addr) (*connection, bool) {
	if to == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.connections[Addr(to.String())]
	return c, ok
}

// Send queues data for one client.
func (t *Transport) Send(ctx context.Context, to net.Addr, data []byte) error {
	if err := transport.CheckMTU(data, t.MTU()); err != nil {
		return err
	}
	if _, open := t.state(); !open {
		return transport.ErrClosed
	}
	c, ok := t.lookup(to)
	if !ok {
		return transport.Wrap(t.config.name, "send", fmt.Errorf("%w: %v", transport.ErrNoPeer, to))
	}
	if !c.enqueue(data) {
		t.dropped.Add(ctx, 1, o11y.L("direction", "out"))
		return transport.Wrap(t.config.name, "send", ErrClientQueueFull)
	}
	return nil
}

// Broadcast queues data for every client. Clients whose queue is full miss
// the message.
func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	if err := transport.CheckMTU(data, t.MTU()); err != nil {
		return err
	}
	if _, open := t.state(); !open {
		return transport.ErrClosed
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for addr, c := range t.connections {
		if !c.enqueue(data) {
			t.dropped.Add(ctx, 1, o11y.L("direction", "out"))
			t.logger.Debug("Client queue full, broadcast dropped", zap.Stringer("peer", addr))
		}
	}
	return nil
}

// ConnectionCount returns the number of connected clients.
func (t *Transport) ConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// Close disconnects every client and stops the bridge's HTTP server.
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return t.Shutdown(ctx)
}

// PreferredCodec is the text codec; browsers read envelopes as JSON.
func (t *Transport) PreferredCodec() wire.Codec { return wire.Text }

// Shutdown closes clients with StatusGoingAway and waits until they are gone
// or ctx ends.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	close(t.closed)
	server := t.server
	t.server, t.boundAddr = nil, nil
	conns := make([]*connection, 0, len(t.connections))
	for _, c := range t.connections {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		go c.shutdownClose(websocket.StatusGoingAway, "Bridge shutting down")
	}

	var err error
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		err = server.Shutdown(shutdownCtx)
		cancel()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for t.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			t.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", t.ConnectionCount()),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return err
}
