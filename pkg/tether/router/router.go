// Package router is the per-node hub of the bus. It owns the endpoint table
// and the local subscriptions, runs the presence beacon, supervises the
// transports' receive loops and feeds one bounded outbound queue per
// transport.
//
// All inbound envelopes are dispatched from a single goroutine, so handlers
// see envelopes from one source on one transport in arrival order.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/clock"
	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/match"
	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/presence"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/wire"
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

type inbound struct {
	data      []byte
	from      net.Addr
	transport string
	received  time.Time
}

type subscription struct {
	id      uint64
	pattern match.Pattern
	handler Handler
}

// stat is a counter kept both locally, for Stats, and in the metrics
// provider.
type stat struct {
	n atomic.Uint64
	c o11y.Counter
}

func (s *stat) inc(ctx context.Context, labels ...o11y.Label) {
	s.n.Add(1)
	s.c.Add(ctx, 1, labels...)
}

// Stats is a snapshot of the router counters.
type Stats struct {
	EnvelopesIn       uint64
	EnvelopesOut      uint64
	DecodeErrors      uint64
	UnknownTypes      uint64
	UnknownTags       uint64
	InboundDropped    uint64
	QueueFull         uint64
	SendErrors        uint64
	HandlerPanics     uint64
	TransportRestarts uint64
	BeaconsSent       uint64
	Peers             int
	Subscriptions     int
}

// Router is created with New(name)...Build().
type Router struct {
	name           string
	logger         *zap.Logger
	registry       *wire.Registry
	clock          clock.Clock
	metricsSource  o11y.MetricsProvider
	table          *endpoint.Table
	listeners      []PeerListener
	heartbeat      time.Duration
	ttl            time.Duration
	codec          wire.Codec
	unicastCodec   wire.Codec
	publishMode    PublishMode
	compact        bool
	drainTimeout   time.Duration
	restartBackoff time.Duration
	incarnation    string

	subsMu sync.Mutex
	subs   match.List[*subscription]

	pubMu     sync.Mutex
	published map[string]bool

	inbound chan inbound
	control chan func()
	queues  map[string]*queue
	order   []*queue

	state       atomic.Int32
	loopCtx     context.Context
	loopCancel  context.CancelFunc
	recvCancel  context.CancelFunc
	loopWG      sync.WaitGroup
	recvWG      sync.WaitGroup
	sendWG      sync.WaitGroup
	draining    chan struct{}
	firstBeacon chan struct{}
	firstOnce   sync.Once

	envelopesIn     stat
	envelopesOut    stat
	decodeErrors    stat
	unknownTypes    stat
	unknownTags     stat
	inboundDropped  stat
	queueFull       stat
	sendErrors      stat
	handlerPanics   stat
	restarts        stat
	beacons         stat
	peersGauge      o11y.Gauge
	queueDepth      o11y.Gauge
	dispatchSeconds o11y.Histogram
}

func (r *Router) setupObservability() {
	m := r.metricsSource
	r.envelopesIn.c = m.Counter(o11y.MetricEnvelopesIn)
	r.envelopesOut.c = m.Counter(o11y.MetricEnvelopesOut)
	r.decodeErrors.c = m.Counter(o11y.MetricDecodeErrors)
	r.unknownTypes.c = m.Counter(o11y.MetricUnknownTypes)
	r.unknownTags.c = m.Counter(o11y.MetricUnknownTags)
	r.inboundDropped.c = m.Counter(o11y.MetricInboundDropped)
	r.queueFull.c = m.Counter(o11y.MetricQueueFull)
	r.sendErrors.c = m.Counter(o11y.MetricSendErrors)
	r.handlerPanics.c = m.Counter(o11y.MetricHandlerPanics)
	r.restarts.c = m.Counter(o11y.MetricTransportRestart)
	r.beacons.c = m.Counter(o11y.MetricBeacons)
	r.peersGauge = m.Gauge(o11y.MetricPeers)
	r.queueDepth = m.Gauge(o11y.MetricQueueDepth)
	r.dispatchSeconds = m.Histogram(o11y.MetricDispatchSeconds)
}

// Name is the node name used as src on every envelope.
func (r *Router) Name() string { return r.name }

// Incarnation changes every time the process starts.
func (r *Router) Incarnation() string { return r.incarnation }

// Registry is the type registry used for payloads.
func (r *Router) Registry() *wire.Registry { return r.registry }

// Handle returns the send-only capability handed to handlers.
func (r *Router) Handle() Handle { return r }

func (r *Router) running() bool { return r.state.Load() == stateRunning }

// Start opens every transport, starts the dispatch loop, the senders, the
// receive supervisors and the beacon, and returns once the first beacon has
// been queued.
func (r *Router) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(stateNew, stateRunning) {
		return fmt.Errorf("router %s already started", r.name)
	}

	for i, q := range r.order {
		if err := q.transport.Open(ctx); err != nil {
			for _, opened := range r.order[:i] {
				opened.transport.Close()
			}
			r.state.Store(stateNew)
			return fmt.Errorf("open transport %s: %w", q.transport.Name(), err)
		}
	}

	r.loopCtx, r.loopCancel = context.WithCancel(context.Background())
	recvCtx, recvCancel := context.WithCancel(context.Background())
	r.recvCancel = recvCancel
	r.draining = make(chan struct{})
	r.firstBeacon = make(chan struct{})

	r.loopWG.Add(1)
	go r.run(r.loopCtx)

	for _, q := range r.order {
		r.sendWG.Add(1)
		go r.sender(q)
		r.recvWG.Add(1)
		go r.supervise(recvCtx, q)
	}

	beacon := presence.NewBeacon(r.heartbeat, r.clock, r.logger, r.beaconTick)
	r.recvWG.Add(1)
	go func() {
		defer r.recvWG.Done()
		beacon.Run(recvCtx)
	}()

	if s, ok := r.metricsSource.(*o11y.Standalone); ok {
		s.Start(r)
	}

	select {
	case <-r.firstBeacon:
	case <-ctx.Done():
		r.Stop(context.Background())
		return ctx.Err()
	}

	names := make([]string, len(r.order))
	for i, q := range r.order {
		names[i] = q.transport.Name()
	}
	r.logger.Info("Router started",
		zap.Strings("transports", names),
		zap.Duration("heartbeat", r.heartbeat),
		zap.Duration("peer_ttl", r.ttl),
		zap.String("incarnation", r.incarnation),
	)
	return nil
}

// Stop cancels the beacon and receive loops, drains the outbound queues for
// at most the drain timeout, stops dispatch and closes the transports.
func (r *Router) Stop(ctx context.Context) error {
	if !r.state.CompareAndSwap(stateRunning, stateStopped) {
		return fmt.Errorf("router %s not running", r.name)
	}

	if s, ok := r.metricsSource.(*o11y.Standalone); ok {
		s.Stop()
	}

	r.recvCancel()
	r.recvWG.Wait()

	close(r.draining)
	sent := make(chan struct{})
	go func() {
		r.sendWG.Wait()
		close(sent)
	}()
	drainCtx, cancel := context.WithTimeout(ctx, r.drainTimeout)
	defer cancel()
	var err error
	var closeErrs []error
	closed := false
	select {
	case <-sent:
	case <-drainCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		r.logger.Warn("Outbound queues not drained before timeout", zap.Duration("timeout", r.drainTimeout))
		// Unblocks senders stuck in writes that ignore ctx.
		closeErrs = r.closeTransports()
		closed = true
	}

	r.loopCancel()
	<-sent
	r.loopWG.Wait()

	if !closed {
		closeErrs = r.closeTransports()
	}

	r.logger.Info("Router stopped")
	return errors.Join(append([]error{err}, closeErrs...)...)
}

func (r *Router) closeTransports() []error {
	var errs []error
	for _, q := range r.order {
		if err := q.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", q.transport.Name(), err))
		}
	}
	return errs
}

func (r *Router) run(ctx context.Context) {
	defer r.loopWG.Done()
	for {
		select {
		case fn := <-r.control:
			fn()
		case in := <-r.inbound:
			r.dispatch(ctx, in)
		case <-ctx.Done():
			return
		}
	}
}

// post runs fn on the dispatch goroutine.
func (r *Router) post(ctx context.Context, fn func()) bool {
	select {
	case r.control <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-r.loopCtx.Done():
		return false
	}
}

func (r *Router) notify(ev PeerEvent) {
	for _, l := range r.listeners {
		l(ev)
	}
}

func (r *Router) beaconTick(ctx context.Context, now time.Time) {
	r.post(ctx, func() { r.onTick(ctx, now) })
}

// onTick prunes the endpoint table and sends the beacon.
func (r *Router) onTick(ctx context.Context, now time.Time) {
	for _, name := range r.table.Prune(now, r.ttl) {
		r.logger.Info("Peer lost", zap.String("peer", name))
		r.notify(PeerEvent{Kind: PeerLost, Name: name})
	}
	r.peersGauge.Set(ctx, float64(r.table.Len()))

	r.sendAlive(ctx)
	r.firstOnce.Do(func() { close(r.firstBeacon) })
}

// Alive returns the beacon this node currently sends.
func (r *Router) Alive() presence.Alive {
	return presence.Alive{
		Publications:  r.Publications(),
		Subscriptions: r.Subscriptions(),
		Codec:         r.unicastCodec.String(),
		Incarnation:   r.incarnation,
	}
}

func (r *Router) sendAlive(ctx context.Context) {
	base := r.Alive()
	for _, q := range r.order {
		a := base
		if adv, ok := q.transport.(transport.Advertiser); ok {
			a.Port = adv.UnicastPort()
		}
		m, err := r.typedMessage(a)
		if err != nil {
			r.logger.Error("Failed to encode beacon", zap.Error(err))
			return
		}
		data, err := r.envelope(m, "", r.broadcastCodec(q, m))
		if err == nil {
			err = transport.CheckMTU(data, q.transport.MTU())
		}
		if err == nil {
			err = r.enqueue(ctx, q, outItem{data: data, typ: wire.AliveName})
		}
		if err != nil {
			r.logger.Warn("Failed to queue beacon", zap.String("transport", q.transport.Name()), zap.Error(err))
			continue
		}
		r.beacons.inc(ctx, o11y.L("transport", q.transport.Name()))
	}
}

// Publications lists the type names this node emits, sorted.
func (r *Router) Publications() []string {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if len(r.published) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.published))
	for name := range r.published {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) notePublished(typ string) {
	r.pubMu.Lock()
	r.published[typ] = true
	r.pubMu.Unlock()
}

// Subscriptions lists the local subscription patterns in the order they
// were added, without duplicates.
func (r *Router) Subscriptions() []string {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	return r.subs.Patterns()
}

// Subscribe registers handler for envelopes matching pattern. See
// match.Parse for the pattern syntax.
func (r *Router) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	p, err := match.Parse(pattern)
	if err != nil {
		return Subscription{}, err
	}
	return r.SubscribePattern(ctx, p, handler)
}

// SubscribePattern registers handler for a parsed pattern, which may carry a
// payload filter.
func (r *Router) SubscribePattern(ctx context.Context, p match.Pattern, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("nil handler")
	}
	s := &subscription{pattern: p, handler: handler}
	r.subsMu.Lock()
	s.id = r.subs.Add(p, s)
	r.subsMu.Unlock()

	r.logger.Debug("Subscribed", zap.String("pattern", p.String()), zap.String("filter", p.Filter()))
	return Subscription{id: s.id, pattern: p.String()}, nil
}

// Unsubscribe removes a subscription. Removing one that is already gone is
// not an error.
func (r *Router) Unsubscribe(ctx context.Context, sub Subscription) error {
	if r.removeSubscription(sub.id) {
		r.logger.Debug("Unsubscribed", zap.String("pattern", sub.pattern))
	}
	return nil
}

func (r *Router) removeSubscription(id uint64) bool {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	return r.subs.Remove(id)
}

// Endpoints returns a copy of the endpoint table.
func (r *Router) Endpoints() []endpoint.Endpoint { return r.table.Snapshot() }

// Endpoint returns one peer.
func (r *Router) Endpoint(name string) (endpoint.Endpoint, bool) { return r.table.Get(name) }

// Resolve returns the address of a peer, or an error matching both
// ErrUnresolved and endpoint.ErrNotFound.
func (r *Router) Resolve(name string) (net.Addr, error) {
	addr, err := r.table.Resolve(name)
	if err != nil {
		return nil, unresolved(name)
	}
	return addr, nil
}

func (r *Router) Stats() Stats {
	r.subsMu.Lock()
	subs := r.subs.Len()
	r.subsMu.Unlock()
	return Stats{
		EnvelopesIn:       r.envelopesIn.n.Load(),
		EnvelopesOut:      r.envelopesOut.n.Load(),
		DecodeErrors:      r.decodeErrors.n.Load(),
		UnknownTypes:      r.unknownTypes.n.Load(),
		UnknownTags:       r.unknownTags.n.Load(),
		InboundDropped:    r.inboundDropped.n.Load(),
		QueueFull:         r.queueFull.n.Load(),
		SendErrors:        r.sendErrors.n.Load(),
		HandlerPanics:     r.handlerPanics.n.Load(),
		TransportRestarts: r.restarts.n.Load(),
		BeaconsSent:       r.beacons.n.Load(),
		Peers:             r.table.Len(),
		Subscriptions:     subs,
	}
}
