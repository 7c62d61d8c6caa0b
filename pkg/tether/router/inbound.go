package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/presence"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// accept returns the callback a transport's receive loop feeds. It never
// blocks; when the inbound queue is full the envelope is dropped.
func (r *Router) accept(transportName string) transport.DeliverFunc {
	return func(data []byte, from net.Addr) {
		in := inbound{data: data, from: from, transport: transportName, received: r.clock.Now()}
		select {
		case r.inbound <- in:
		default:
			r.inboundDropped.inc(context.Background(), o11y.L("transport", transportName))
			r.logger.Debug("Inbound queue full, dropping envelope", zap.String("transport", transportName))
		}
	}
}

func (r *Router) dispatch(ctx context.Context, in inbound) {
	start := time.Now()
	tl := o11y.L("transport", in.transport)

	e, codec, err := wire.Decode(in.data)
	if err != nil {
		r.decodeErrors.inc(ctx, tl)
		r.logger.Debug("Dropping malformed envelope",
			zap.String("transport", in.transport), zap.Stringer("from", addrStringer{in.from}), zap.Error(err))
		return
	}
	if e.Src == r.name {
		return
	}
	if e.Dst != "" && e.Dst != r.name {
		return
	}
	if err := r.registry.Resolve(&e); err != nil {
		r.unknownTags.inc(ctx, tl)
		r.logger.Debug("Dropping envelope with unknown tag", zap.String("src", e.Src), zap.Uint32("tag", e.Tag))
		return
	}
	r.envelopesIn.inc(ctx, tl)

	if e.Type == wire.AliveName {
		if !r.observeAlive(ctx, in, e, codec) {
			return
		}
	} else if e.Src != "" {
		r.observeTraffic(in, e)
	}

	r.deliverLocal(ctx, in, e, codec)
	r.dispatchSeconds.Record(ctx, time.Since(start).Seconds(), o11y.L("type", e.Type))
}

// observeAlive updates the endpoint table from a beacon. It reports false
// when the beacon payload cannot be decoded.
func (r *Router) observeAlive(ctx context.Context, in inbound, e wire.Envelope, codec wire.Codec) bool {
	if e.Src == "" {
		r.decodeErrors.inc(ctx, o11y.L("transport", in.transport))
		r.logger.Debug("Dropping beacon without src", zap.String("transport", in.transport))
		return false
	}
	a, err := wire.DecodeAs[presence.Alive](r.registry, e.Payload, codec)
	if err != nil {
		r.decodeErrors.inc(ctx, o11y.L("transport", in.transport))
		r.logger.Debug("Dropping malformed beacon", zap.String("src", e.Src), zap.Error(err))
		return false
	}

	change := r.table.Observe(presence.Observation(e.Src, in.transport, in.from, a), in.received)
	switch change {
	case endpoint.Added:
		ep, _ := r.table.Get(e.Src)
		r.logger.Info("Peer found",
			zap.String("peer", e.Src), zap.String("transport", in.transport),
			zap.Stringer("address", addrStringer{ep.Address}), zap.Strings("subscriptions", ep.Subscriptions))
		r.peersGauge.Set(ctx, float64(r.table.Len()))
		r.notify(PeerEvent{Kind: PeerFound, Name: e.Src, Endpoint: ep})
	case endpoint.Restarted:
		ep, _ := r.table.Get(e.Src)
		r.logger.Info("Peer restarted", zap.String("peer", e.Src), zap.String("incarnation", ep.Incarnation))
		r.notify(PeerEvent{Kind: PeerRestarted, Name: e.Src, Endpoint: ep})
	case endpoint.Updated:
		r.logger.Debug("Peer updated", zap.String("peer", e.Src))
	}
	return true
}

// observeTraffic refreshes a known sender. Senders that never beacon, such
// as bridge clients, are added from their traffic so they can be answered.
func (r *Router) observeTraffic(in inbound, e wire.Envelope) {
	if r.table.Touch(e.Src, in.received) {
		return
	}
	r.table.Observe(endpoint.Observation{Name: e.Src, Transport: in.transport, Address: in.from}, in.received)
	ep, _ := r.table.Get(e.Src)
	r.logger.Debug("Peer learned from traffic", zap.String("peer", e.Src), zap.String("transport", in.transport))
	r.notify(PeerEvent{Kind: PeerFound, Name: e.Src, Endpoint: ep})
}

func (r *Router) deliverLocal(ctx context.Context, in inbound, e wire.Envelope, codec wire.Codec) {
	var (
		decoded   bool
		v         value.Value
		known     bool
		decodeErr error
	)
	payload := func() value.Value {
		if !decoded {
			decoded = true
			v, decodeErr = r.registry.DecodeTyped(e.Type, e.Payload, codec)
			known = decodeErr == nil
		}
		return v
	}

	r.subsMu.Lock()
	hits := r.subs.Match(ctx, e, payload)
	r.subsMu.Unlock()
	if len(hits) == 0 {
		return
	}

	payload()
	switch {
	case decodeErr == nil:
	case errors.Is(decodeErr, wire.ErrUnknownType):
		r.unknownTypes.inc(ctx, o11y.L("type", e.Type))
	default:
		r.decodeErrors.inc(ctx, o11y.L("transport", in.transport))
		r.logger.Debug("Dropping envelope with malformed payload",
			zap.String("src", e.Src), zap.String("type", e.Type), zap.Error(decodeErr))
		return
	}

	for _, hit := range hits {
		r.invoke(ctx, hit.Item, Delivery{
			Envelope:  e,
			Codec:     codec,
			Value:     v,
			Known:     known,
			Fields:    hit.Fields,
			Transport: in.transport,
			From:      in.from,
			Received:  in.received,
		})
	}
}

// invoke runs one handler. A panicking handler is unsubscribed.
func (r *Router) invoke(ctx context.Context, s *subscription, d Delivery) {
	defer func() {
		if p := recover(); p != nil {
			r.handlerPanics.inc(ctx, o11y.L("pattern", s.pattern.String()))
			r.removeSubscription(s.id)
			r.logger.Error("Handler panicked, unsubscribed",
				zap.String("pattern", s.pattern.String()),
				zap.String("src", d.Envelope.Src),
				zap.String("type", d.Envelope.Type),
				zap.String("panic", fmt.Sprint(p)),
				zap.StackSkip("stack", 2),
			)
		}
	}()

	if err := s.handler.OnEnvelope(ctx, r, d); err != nil {
		r.logger.Warn("Handler returned error",
			zap.String("pattern", s.pattern.String()), zap.String("type", d.Envelope.Type), zap.Error(err))
	}
}

// addrStringer renders a possibly nil address.
type addrStringer struct{ addr net.Addr }

func (a addrStringer) String() string {
	if a.addr == nil {
		return "-"
	}
	return a.addr.String()
}
