package router

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/clock"
	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/presence"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/wire"
)

const (
	DefaultQueueSize      = 100
	DefaultDrainTimeout   = time.Second
	DefaultRestartBackoff = 100 * time.Millisecond
	MaxRestartBackoff     = 5 * time.Second
)

// PublishMode selects how Publish reaches peers.
type PublishMode uint8

const (
	// Multicast broadcasts each publication on every transport.
	Multicast PublishMode = iota
	// Unicast sends a copy to each known peer whose advertised
	// subscriptions match the publication.
	Unicast
)

func (m PublishMode) String() string {
	if m == Unicast {
		return "unicast"
	}
	return "multicast"
}

func ParsePublishMode(s string) (PublishMode, error) {
	switch s {
	case "", "multicast":
		return Multicast, nil
	case "unicast":
		return Unicast, nil
	}
	return Multicast, fmt.Errorf("unknown publish mode %q", s)
}

// Builder provides a fluent interface for creating a Router.
type Builder struct {
	name           string
	logger         *zap.Logger
	transports     []transport.Transport
	registry       *wire.Registry
	clock          clock.Clock
	metrics        o11y.MetricsProvider
	listeners      []PeerListener
	heartbeat      time.Duration
	ttl            time.Duration
	queueSize      int
	inboundSize    int
	codec          wire.Codec
	unicastCodec   wire.Codec
	publishMode    PublishMode
	compact        bool
	drainTimeout   time.Duration
	restartBackoff time.Duration
	publications   []string
	incarnation    string
}

// New starts building a router for the node called name.
func New(name string) *Builder {
	return &Builder{
		name:           name,
		heartbeat:      presence.DefaultHeartbeat,
		ttl:            presence.DefaultTTL,
		queueSize:      DefaultQueueSize,
		inboundSize:    DefaultQueueSize,
		codec:          wire.Binary,
		unicastCodec:   wire.Binary,
		drainTimeout:   DefaultDrainTimeout,
		restartBackoff: DefaultRestartBackoff,
	}
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTransport attaches a transport. Names must be unique.
func (b *Builder) WithTransport(t transport.Transport) *Builder {
	b.transports = append(b.transports, t)
	return b
}

// WithRegistry sets the type registry; wire.DefaultRegistry otherwise.
func (b *Builder) WithRegistry(r *wire.Registry) *Builder {
	b.registry = r
	return b
}

func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// WithMetrics sets the metrics provider. A *o11y.Standalone provider is
// started with the router so that it can publish its snapshots on the bus.
func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metrics = provider
	return b
}

func (b *Builder) WithPeerListener(l PeerListener) *Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// WithHeartbeat sets the beacon interval and the peer TTL.
func (b *Builder) WithHeartbeat(interval, ttl time.Duration) *Builder {
	b.heartbeat = interval
	b.ttl = ttl
	return b
}

// WithQueueSize sets the bound of each outbound queue and of the inbound
// queue.
func (b *Builder) WithQueueSize(size int) *Builder {
	b.queueSize = size
	b.inboundSize = size
	return b
}

// WithCodec sets the envelope codec for broadcasts.
func (b *Builder) WithCodec(c wire.Codec) *Builder {
	b.codec = c
	return b
}

// WithUnicastCodec sets the codec this node asks peers to use when they
// send to it directly.
func (b *Builder) WithUnicastCodec(c wire.Codec) *Builder {
	b.unicastCodec = c
	return b
}

func (b *Builder) WithPublishMode(m PublishMode) *Builder {
	b.publishMode = m
	return b
}

// WithCompactEnvelopes makes binary envelopes carry numeric type tags
// instead of names.
func (b *Builder) WithCompactEnvelopes(compact bool) *Builder {
	b.compact = compact
	return b
}

// WithDrainTimeout bounds how long Stop waits for queued envelopes.
func (b *Builder) WithDrainTimeout(d time.Duration) *Builder {
	b.drainTimeout = d
	return b
}

// WithRestartBackoff sets the first delay before a failed transport is
// reopened. It doubles on each consecutive failure up to MaxRestartBackoff.
func (b *Builder) WithRestartBackoff(d time.Duration) *Builder {
	b.restartBackoff = d
	return b
}

// WithPublications declares type names this node emits, in addition to those
// it actually publishes.
func (b *Builder) WithPublications(names ...string) *Builder {
	b.publications = append(b.publications, names...)
	return b
}

// WithIncarnation overrides the random incarnation id; for tests.
func (b *Builder) WithIncarnation(id string) *Builder {
	b.incarnation = id
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *Builder) IsValid() error {
	if b.name == "" {
		return fmt.Errorf("node name is required")
	}
	if len(b.transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	seen := make(map[string]bool, len(b.transports))
	for _, t := range b.transports {
		if seen[t.Name()] {
			return fmt.Errorf("duplicate transport name %q", t.Name())
		}
		seen[t.Name()] = true
	}
	if b.heartbeat <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", b.heartbeat)
	}
	if b.ttl < b.heartbeat {
		return fmt.Errorf("peer ttl %v is shorter than the heartbeat %v", b.ttl, b.heartbeat)
	}
	if b.queueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", b.queueSize)
	}
	return nil
}

// Build creates the Router. It registers the Alive type in the registry,
// which fails with wire.ErrRegistryConflict if another type holds its tag.
func (b *Builder) Build() (*Router, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := b.registry
	if registry == nil {
		registry = wire.DefaultRegistry
	}
	if err := presence.Register(registry); err != nil {
		return nil, err
	}
	clk := b.clock
	if clk == nil {
		clk = clock.Real()
	}
	metrics := b.metrics
	if metrics == nil {
		metrics = o11y.Nop()
	}
	incarnation := b.incarnation
	if incarnation == "" {
		incarnation = presence.NewIncarnation()
	}

	r := &Router{
		name:           b.name,
		logger:         logger.With(zap.String("node", b.name)),
		registry:       registry,
		clock:          clk,
		metricsSource:  metrics,
		table:          endpoint.NewTable(),
		listeners:      b.listeners,
		heartbeat:      b.heartbeat,
		ttl:            b.ttl,
		codec:          b.codec,
		unicastCodec:   b.unicastCodec,
		publishMode:    b.publishMode,
		compact:        b.compact,
		drainTimeout:   b.drainTimeout,
		restartBackoff: b.restartBackoff,
		incarnation:    incarnation,
		inbound:        make(chan inbound, b.inboundSize),
		control:        make(chan func(), 16),
		published:      make(map[string]bool),
		queues:         make(map[string]*queue, len(b.transports)),
	}
	for _, p := range b.publications {
		r.published[p] = true
	}
	for _, t := range b.transports {
		q := &queue{transport: t, ch: make(chan outItem, b.queueSize)}
		r.queues[t.Name()] = q
		r.order = append(r.order, q)
	}
	r.setupObservability()
	return r, nil
}
