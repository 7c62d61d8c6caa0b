package wsbridge

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// connection is one client. Its reader feeds the bridge's inbound queue and
// its sender serialises writes and pings.
type connection struct {
	bridge *Transport
	conn   *websocket.Conn
	addr   Addr
	logger *zap.Logger

	outbound chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newConnection(bridge *Transport, conn *websocket.Conn, addr Addr) *connection {
	return &connection{
		bridge:   bridge,
		conn:     conn,
		addr:     addr,
		logger:   bridge.logger.With(zap.Stringer("peer", addr)),
		outbound: make(chan []byte, bridge.config.queueSize),
		done:     make(chan struct{}),
	}
}

// serve blocks until the client goes away.
func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go c.sender(ctx)
	c.reader(ctx)
	c.cleanup()
}

// enqueue reports false when the client's queue is full or it has left.
func (c *connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

func (c *connection) reader(ctx context.Context) {
	c.conn.SetReadLimit(c.bridge.config.readLimit)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("WebSocket connection closed by client", zap.Int("close_status", int(status)))
			} else if ctx.Err() == nil {
				c.logger.Debug("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		c.bridge.deliver(data, c.addr)
	}
}

func (c *connection) sender(ctx context.Context) {
	var ping <-chan time.Time
	if c.bridge.config.pingInterval > 0 {
		ticker := time.NewTicker(c.bridge.config.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.outbound:
			if err := c.write(ctx, data); err != nil {
				c.logger.Debug("Failed to send WebSocket message", zap.Error(err))
				if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
					return
				}
				continue
			}
			c.bridge.messagesOut.Add(ctx, 1)

		case <-ping:
			pingCtx, cancel := context.WithTimeout(ctx, c.bridge.config.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("Ping failed, closing", zap.Error(err))
				c.conn.Close(websocket.StatusPolicyViolation, "Ping timeout")
				return
			}

		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) write(ctx context.Context, data []byte) error {
	typ := websocket.MessageBinary
	if len(data) > 0 && data[0] == '{' {
		typ = websocket.MessageText
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.bridge.config.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, typ, data)
}

func (c *connection) cleanup() {
	c.doneOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(websocket.StatusNormalClosure, "Connection closed"); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
	})
}

// shutdownClose makes the reader fail, which ends serve through the normal
// path.
func (c *connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}
