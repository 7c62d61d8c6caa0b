// Package mem is an in-process transport. Every transport attached to the
// same Hub sees the others' broadcasts, as on a multicast group with
// loopback enabled. It behaves like UDP: bounded inboxes, drops when full.
package mem

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/tsarna/tether/pkg/tether/transport"
)

// DefaultMTU matches the UDP transport.
const DefaultMTU = 1472

// Addr locates a mem transport on its hub.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

type packet struct {
	data []byte
	from net.Addr
}

// Hub connects mem transports.
type Hub struct {
	mu    sync.RWMutex
	ports map[Addr]*Transport
}

func NewHub() *Hub {
	return &Hub{ports: make(map[Addr]*Transport)}
}

// Transport is one attachment point on a Hub.
type Transport struct {
	hub   *Hub
	name  string
	addr  Addr
	mtu   int
	inbox chan packet

	mu     sync.Mutex
	open   bool
	closed chan struct{}

	// FailSend, when set, is returned by Send. Tests use it to simulate a
	// dead peer.
	FailSend error
}

// New attaches a transport with the given address. The inbox holds up to
// depth undelivered packets.
func (h *Hub) New(addr string, depth int) *Transport {
	if depth <= 0 {
		depth = 100
	}
	return &Transport{
		hub:   h,
		name:  "mem",
		addr:  Addr(addr),
		mtu:   DefaultMTU,
		inbox: make(chan packet, depth),
	}
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) Addr() Addr { return t.addr }

func (t *Transport) MTU() int { return t.mtu }

// SetMTU changes the MTU; for tests.
func (t *Transport) SetMTU(mtu int) { t.mtu = mtu }

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if _, taken := t.hub.ports[t.addr]; taken {
		return transport.Wrap(t.name, "open", fmt.Errorf("address %s in use", t.addr))
	}
	t.hub.ports[t.addr] = t
	t.open = true
	t.closed = make(chan struct{})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.hub.mu.Lock()
	delete(t.hub.ports, t.addr)
	t.hub.mu.Unlock()
	t.open = false
	close(t.closed)
	return nil
}

func (t *Transport) closedCh() (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.open
}

func (t *Transport) Receive(ctx context.Context, deliver transport.DeliverFunc) error {
	closed, open := t.closedCh()
	if !open {
		return transport.ErrClosed
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return transport.ErrClosed
		case p := <-t.inbox:
			deliver(p.data, p.from)
		}
	}
}

func (t *Transport) Send(ctx context.Context, to net.Addr, data []byte) error {
	if err := transport.CheckMTU(data, t.mtu); err != nil {
		return err
	}
	if _, open := t.closedCh(); !open {
		return transport.ErrClosed
	}
	if t.FailSend != nil {
		return transport.Wrap(t.name, "send", t.FailSend)
	}
	t.hub.mu.RLock()
	dst, ok := t.hub.ports[Addr(to.String())]
	t.hub.mu.RUnlock()
	if !ok {
		return transport.Wrap(t.name, "send", fmt.Errorf("%w: %s", transport.ErrNoPeer, to))
	}
	dst.offer(packet{data: clone(data), from: t.addr})
	return nil
}

func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	if err := transport.CheckMTU(data, t.mtu); err != nil {
		return err
	}
	if _, open := t.closedCh(); !open {
		return transport.ErrClosed
	}
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	for _, dst := range t.hub.ports {
		dst.offer(packet{data: clone(data), from: t.addr})
	}
	return nil
}

func (t *Transport) offer(p packet) {
	select {
	case t.inbox <- p:
	default:
	}
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
