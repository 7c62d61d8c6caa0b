// Package presence implements the Alive beacon: its payload schema, the
// periodic announce-and-prune task, and the mapping from a received beacon
// to an endpoint observation.
package presence

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/clock"
	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/wire"
)

const (
	DefaultHeartbeat = 2 * time.Second
	DefaultTTL       = 3 * DefaultHeartbeat
)

// Alive is the beacon payload. Only publications and subscriptions are
// understood by every implementation; the rest are optional extensions.
type Alive struct {
	Publications  []string `cbor:"publications,omitempty"`
	Subscriptions []string `cbor:"subscriptions,omitempty"`
	// Port is the unicast port, when it differs from the beacon's source.
	Port int `cbor:"port,omitempty"`
	// Codec is the payload codec the sender wants for unicast traffic.
	Codec string `cbor:"codec,omitempty"`
	// Incarnation changes each time the node restarts.
	Incarnation string `cbor:"incarnation,omitempty"`
}

// Register binds Alive to its reserved name and tag in r.
func Register(r *wire.Registry) error {
	return wire.RegisterStruct[Alive](r, wire.AliveName,
		wire.Field{Name: "publications", Type: wire.FieldStrings},
		wire.Field{Name: "subscriptions", Type: wire.FieldStrings},
	)
}

// NewIncarnation returns a fresh incarnation id.
func NewIncarnation() string { return uuid.NewString() }

// Observation turns a received beacon into an endpoint observation. from is
// the datagram source; a non-zero Port in the beacon replaces its port.
func Observation(src, transport string, from net.Addr, a Alive) endpoint.Observation {
	addr := from
	if udp, ok := from.(*net.UDPAddr); ok && a.Port > 0 && a.Port != udp.Port {
		addr = &net.UDPAddr{IP: udp.IP, Port: a.Port, Zone: udp.Zone}
	}
	return endpoint.Observation{
		Name:          src,
		Transport:     transport,
		Address:       addr,
		Publications:  a.Publications,
		Subscriptions: a.Subscriptions,
		Codec:         a.Codec,
		Incarnation:   a.Incarnation,
	}
}

// TickFunc is called once at start and then every heartbeat. The router
// uses it to send its Alive envelope and to prune the endpoint table.
type TickFunc func(ctx context.Context, now time.Time)

// Beacon drives TickFunc on a fixed period, independent of payload traffic.
type Beacon struct {
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	tick     TickFunc
}

func NewBeacon(interval time.Duration, clk clock.Clock, logger *zap.Logger, tick TickFunc) *Beacon {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Beacon{interval: interval, clock: clk, logger: logger, tick: tick}
}

func (b *Beacon) Interval() time.Duration { return b.interval }

// Run ticks until ctx is cancelled.
func (b *Beacon) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Debug("Beacon started", zap.Duration("interval", b.interval))
	b.tick(ctx, b.clock.Now())
	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("Beacon stopped")
			return
		case now := <-ticker.C:
			b.tick(ctx, now)
		}
	}
}
