// Package udp carries envelopes in UDP datagrams: unicast for payloads and
// an IPv4 multicast group for presence and published messages.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/tsarna/tether/pkg/tether/transport"
)

const (
	DefaultGroup          = "239.0.0.1"
	DefaultPort           = 50000
	DefaultTTL            = 1
	DefaultErrorThreshold = 5

	// MTU is the largest UDP payload in a 1500 byte Ethernet frame.
	MTU = 1500 - 20 - 8

	socketBufferSize = 1 << 20
)

// Config describes the two sockets.
type Config struct {
	Group string // multicast group, default 239.0.0.1
	Port  int    // multicast port, default 50000
	// UnicastPort is the payload port; 0 picks an ephemeral one.
	UnicastPort int
	// Interface names the NIC used for the multicast join and sends.
	Interface string
	TTL       int
	// NoLoopback stops multicast sends from reaching sockets on this host.
	// Leave it false when several nodes share a host.
	NoLoopback     bool
	ErrorThreshold int
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	return c
}

// Transport is a UDP transport.
type Transport struct {
	name   string
	config Config
	logger *zap.Logger

	group *net.UDPAddr

	mu        sync.RWMutex
	unicast   net.PacketConn
	multicast net.PacketConn
}

func New(config Config, logger *zap.Logger) (*Transport, error) {
	config = config.withDefaults()
	ip := net.ParseIP(config.Group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("udp: %q is not an IPv4 multicast group", config.Group)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		name:   "udp",
		config: config,
		logger: logger.With(zap.String("transport", "udp")),
		group:  &net.UDPAddr{IP: ip, Port: config.Port},
	}, nil
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) MTU() int { return MTU }

// Group returns the multicast destination.
func (t *Transport) Group() *net.UDPAddr { return t.group }

// UnicastPort returns the bound payload port, or 0 before Open.
func (t *Transport) UnicastPort() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.unicast == nil {
		return 0
	}
	return t.unicast.LocalAddr().(*net.UDPAddr).Port
}

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unicast != nil {
		return nil
	}

	var ifi *net.Interface
	if t.config.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(t.config.Interface); err != nil {
			return transport.Wrap(t.name, "open", err)
		}
	}

	var plain net.ListenConfig
	uc, err := plain.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(t.config.UnicastPort))
	if err != nil {
		return transport.Wrap(t.name, "listen unicast", err)
	}

	shared := net.ListenConfig{Control: reuseControl}
	mc, err := shared.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(t.config.Port))
	if err != nil {
		uc.Close()
		return transport.Wrap(t.name, "listen multicast", err)
	}

	if err := t.configure(uc, mc, ifi); err != nil {
		uc.Close()
		mc.Close()
		return err
	}

	t.unicast, t.multicast = uc, mc
	t.logger.Info("UDP transport open",
		zap.Stringer("group", t.group),
		zap.Stringer("unicast", uc.LocalAddr()),
	)
	return nil
}

func (t *Transport) configure(uc, mc net.PacketConn, ifi *net.Interface) error {
	for _, c := range []net.PacketConn{uc, mc} {
		if udp, ok := c.(*net.UDPConn); ok {
			if err := udp.SetReadBuffer(socketBufferSize); err != nil {
				t.logger.Debug("Failed to grow socket read buffer", zap.Error(err))
			}
		}
	}

	mp := ipv4.NewPacketConn(mc)
	if err := mp.JoinGroup(ifi, t.group); err != nil {
		return transport.Wrap(t.name, "join group", err)
	}

	// Beacons and publications leave from the unicast socket so their source
	// port is the one peers reply to.
	up := ipv4.NewPacketConn(uc)
	if err := up.SetMulticastTTL(t.config.TTL); err != nil {
		return transport.Wrap(t.name, "set multicast ttl", err)
	}
	if err := up.SetMulticastLoopback(!t.config.NoLoopback); err != nil {
		return transport.Wrap(t.name, "set multicast loopback", err)
	}
	if ifi != nil {
		if err := up.SetMulticastInterface(ifi); err != nil {
			return transport.Wrap(t.name, "set multicast interface", err)
		}
	}
	return nil
}

func (t *Transport) conns() (uc, mc net.PacketConn) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unicast, t.multicast
}

// Receive reads both sockets until ctx is done or one of them fails
// ErrorThreshold times in a row. Datagrams from one socket are delivered in
// arrival order.
func (t *Transport) Receive(ctx context.Context, deliver transport.DeliverFunc) error {
	uc, mc := t.conns()
	if uc == nil {
		return transport.ErrClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readLoop(gctx, uc, deliver) })
	g.Go(func() error { return t.readLoop(gctx, mc, deliver) })
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context, conn net.PacketConn, deliver transport.DeliverFunc) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}()

	buf := make([]byte, 65536)
	budget := transport.ErrorBudget{Threshold: t.config.ErrorThreshold}
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return transport.ErrClosed
			}
			t.logger.Warn("UDP receive error",
				zap.Stringer("local", conn.LocalAddr()),
				zap.Int("consecutive", budget.Count()+1),
				zap.Error(err),
			)
			if budget.Fail() {
				return transport.Wrap(t.name, "receive", err)
			}
			continue
		}
		budget.Reset()

		data := make([]byte, n)
		copy(data, buf[:n])
		deliver(data, from)
	}
}

// Send writes one datagram to a peer's unicast address.
func (t *Transport) Send(ctx context.Context, to net.Addr, data []byte) error {
	if err := transport.CheckMTU(data, MTU); err != nil {
		return err
	}
	uc, _ := t.conns()
	if uc == nil {
		return transport.ErrClosed
	}
	dst, err := udpAddr(to)
	if err != nil {
		return transport.Wrap(t.name, "send", err)
	}
	if _, err := uc.WriteTo(data, dst); err != nil {
		return transport.Wrap(t.name, "send", err)
	}
	return nil
}

// Broadcast writes one datagram to the multicast group.
func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	return t.Send(ctx, t.group, data)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unicast == nil {
		return nil
	}
	err := errors.Join(t.unicast.Close(), t.multicast.Close())
	t.unicast, t.multicast = nil, nil
	t.logger.Debug("UDP transport closed")
	return err
}

func udpAddr(a net.Addr) (*net.UDPAddr, error) {
	switch a := a.(type) {
	case *net.UDPAddr:
		return a, nil
	case nil:
		return nil, transport.ErrNoPeer
	default:
		return net.ResolveUDPAddr("udp4", a.String())
	}
}
