package router

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/match"
	"github.com/tsarna/tether/pkg/tether/o11y"
	"github.com/tsarna/tether/pkg/tether/transport"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// queue is the outbound queue of one transport. Many producers, one
// sender goroutine.
type queue struct {
	transport transport.Transport
	ch        chan outItem
}

type outItem struct {
	data []byte
	// to is nil for broadcasts.
	to net.Addr
	// peer is set for unicast items so a failed send can mark it.
	peer string
	typ  string
}

// message is one payload waiting to be put in envelopes. Its payload is
// encoded at most once per codec.
type message struct {
	typ    string
	encode func(wire.Codec) ([]byte, error)
	cache  [2][]byte
	// raw payloads travel in their own codec unless the transport
	// insists on another.
	raw      bool
	rawCodec wire.Codec
}

func (m *message) payload(codec wire.Codec) ([]byte, error) {
	if int(codec) < len(m.cache) && m.cache[codec] != nil {
		return m.cache[codec], nil
	}
	p, err := m.encode(codec)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.typ, err)
	}
	if int(codec) < len(m.cache) {
		m.cache[codec] = p
	}
	return p, nil
}

func (r *Router) typedMessage(msg any) (*message, error) {
	name, first, err := r.registry.EncodeMessage(msg, r.codec)
	if err != nil {
		return nil, err
	}
	m := &message{
		typ: name,
		encode: func(c wire.Codec) ([]byte, error) {
			_, p, err := r.registry.EncodeMessage(msg, c)
			return p, err
		},
	}
	m.cache[r.codec] = first
	return m, nil
}

func (r *Router) valueMessage(typ string, v value.Value) (*message, error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: empty type name", wire.ErrMalformed)
	}
	return &message{
		typ: typ,
		encode: func(c wire.Codec) ([]byte, error) {
			return r.registry.EncodeValue(typ, v, c)
		},
	}, nil
}

func (r *Router) rawMessage(typ string, payload []byte, codec wire.Codec) (*message, error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: empty type name", wire.ErrMalformed)
	}
	if codec != wire.Binary && codec != wire.Text {
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	return &message{
		typ: typ,
		encode: func(c wire.Codec) ([]byte, error) {
			return r.registry.Transcode(typ, payload, codec, c)
		},
		raw:      true,
		rawCodec: codec,
	}, nil
}

// envelope wraps m for dst. Compact envelopes fall back to the type name
// when the type has no registered tag.
func (r *Router) envelope(m *message, dst string, codec wire.Codec) ([]byte, error) {
	payload, err := m.payload(codec)
	if err != nil {
		return nil, err
	}
	e := wire.Envelope{Src: r.name, Dst: dst, Type: m.typ, Payload: payload}
	if r.compact && codec == wire.Binary {
		data, err := wire.EncodeCompact(e, r.registry)
		if !errors.Is(err, wire.ErrUnknownType) {
			return data, err
		}
	}
	return wire.EncodeEnvelope(e, codec)
}

func (r *Router) broadcastCodec(q *queue, m *message) wire.Codec {
	if p, ok := q.transport.(transport.CodecPreferrer); ok {
		return p.PreferredCodec()
	}
	if m.raw {
		return m.rawCodec
	}
	return r.codec
}

func (r *Router) unicastCodecFor(q *queue, ep endpoint.Endpoint, m *message) wire.Codec {
	if p, ok := q.transport.(transport.CodecPreferrer); ok {
		return p.PreferredCodec()
	}
	if m.raw {
		return m.rawCodec
	}
	if ep.Codec != "" {
		if c, err := wire.ParseCodec(ep.Codec); err == nil {
			return c
		}
	}
	return r.codec
}

func (r *Router) enqueue(ctx context.Context, q *queue, it outItem) error {
	if !r.running() {
		return ErrNotRunning
	}
	select {
	case q.ch <- it:
		r.queueDepth.Set(ctx, float64(len(q.ch)), o11y.L("transport", q.transport.Name()))
		return nil
	default:
		r.queueFull.inc(ctx, o11y.L("transport", q.transport.Name()))
		return fmt.Errorf("%w: transport %s", ErrQueueFull, q.transport.Name())
	}
}

// Publish encodes a registered Go value and sends it to every subscriber.
func (r *Router) Publish(ctx context.Context, msg any) error {
	m, err := r.typedMessage(msg)
	if err != nil {
		return err
	}
	return r.publish(ctx, m)
}

// PublishValue publishes v as typeName. Unregistered types are sent
// schema-less.
func (r *Router) PublishValue(ctx context.Context, typeName string, v value.Value) error {
	m, err := r.valueMessage(typeName, v)
	if err != nil {
		return err
	}
	return r.publish(ctx, m)
}

// PublishRaw publishes an already encoded payload unchanged, in an
// envelope of the payload's codec. On transports that carry only one codec
// the payload is transcoded, and fails there if it does not decode.
func (r *Router) PublishRaw(ctx context.Context, typeName string, payload []byte, codec wire.Codec) error {
	m, err := r.rawMessage(typeName, payload, codec)
	if err != nil {
		return err
	}
	return r.publish(ctx, m)
}

func (r *Router) publish(ctx context.Context, m *message) error {
	if !r.running() {
		return ErrNotRunning
	}
	r.notePublished(m.typ)
	if r.publishMode == Unicast {
		return r.fanout(ctx, m)
	}
	return r.broadcast(ctx, m)
}

// broadcast queues m on every transport. The first error is returned after
// every transport has been tried.
func (r *Router) broadcast(ctx context.Context, m *message) error {
	var first error
	for _, q := range r.order {
		data, err := r.envelope(m, "", r.broadcastCodec(q, m))
		if err == nil {
			err = transport.CheckMTU(data, q.transport.MTU())
		}
		if err == nil {
			err = r.enqueue(ctx, q, outItem{data: data, typ: m.typ})
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// fanout sends a copy of m to every known peer whose advertised
// subscriptions accept it.
func (r *Router) fanout(ctx context.Context, m *message) error {
	var first error
	for _, ep := range r.table.Snapshot() {
		if ep.Unreachable {
			continue
		}
		pats := make([]match.Pattern, 0, len(ep.Subscriptions))
		for _, sub := range ep.Subscriptions {
			p, err := match.Parse(sub)
			if err != nil {
				r.logger.Debug("Peer advertises invalid pattern", zap.String("peer", ep.Name), zap.Error(err))
				continue
			}
			pats = append(pats, p)
		}
		probe := wire.Envelope{Src: r.name, Dst: ep.Name, Type: m.typ}
		if !match.AnyMatches(pats, probe) {
			continue
		}
		if err := r.sendToEndpoint(ctx, ep, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SendTo sends v as typeName to one peer.
func (r *Router) SendTo(ctx context.Context, peer, typeName string, v value.Value) error {
	m, err := r.valueMessage(typeName, v)
	if err != nil {
		return err
	}
	return r.send(ctx, peer, m)
}

// SendMessage sends a registered Go value to one peer.
func (r *Router) SendMessage(ctx context.Context, peer string, msg any) error {
	m, err := r.typedMessage(msg)
	if err != nil {
		return err
	}
	return r.send(ctx, peer, m)
}

// SendRaw sends an already encoded payload to one peer, with the codec
// rules of PublishRaw. Forwarding a Delivery with Known false passes its
// Value bytes and Codec here.
func (r *Router) SendRaw(ctx context.Context, peer, typeName string, payload []byte, codec wire.Codec) error {
	m, err := r.rawMessage(typeName, payload, codec)
	if err != nil {
		return err
	}
	return r.send(ctx, peer, m)
}

func (r *Router) send(ctx context.Context, peer string, m *message) error {
	if !r.running() {
		return ErrNotRunning
	}
	ep, ok := r.table.Get(peer)
	if !ok || ep.Unreachable {
		return unresolved(peer)
	}
	r.notePublished(m.typ)
	return r.sendToEndpoint(ctx, ep, m)
}

func (r *Router) sendToEndpoint(ctx context.Context, ep endpoint.Endpoint, m *message) error {
	q, ok := r.queues[ep.Transport]
	if !ok {
		return fmt.Errorf("%w: %q for peer %q", ErrNoTransport, ep.Transport, ep.Name)
	}
	data, err := r.envelope(m, ep.Name, r.unicastCodecFor(q, ep, m))
	if err != nil {
		return err
	}
	if err := transport.CheckMTU(data, q.transport.MTU()); err != nil {
		return err
	}
	return r.enqueue(ctx, q, outItem{data: data, to: ep.Address, peer: ep.Name, typ: m.typ})
}

// sender is the single consumer of one outbound queue. Once draining it
// empties the queue and exits.
func (r *Router) sender(q *queue) {
	defer r.sendWG.Done()
	ctx := r.loopCtx
	for {
		select {
		case it := <-q.ch:
			r.transmit(ctx, q, it)
		case <-r.draining:
			r.drain(ctx, q)
			return
		}
	}
}

func (r *Router) drain(ctx context.Context, q *queue) {
	for {
		select {
		case it := <-q.ch:
			r.transmit(ctx, q, it)
		case <-ctx.Done():
			if n := len(q.ch); n > 0 {
				r.logger.Warn("Dropped queued envelopes at stop",
					zap.String("transport", q.transport.Name()), zap.Int("count", n))
			}
			return
		default:
			return
		}
	}
}

func (r *Router) transmit(ctx context.Context, q *queue, it outItem) {
	name := q.transport.Name()
	var err error
	if it.peer == "" {
		err = q.transport.Broadcast(ctx, it.data)
	} else {
		err = q.transport.Send(ctx, it.to, it.data)
	}
	r.queueDepth.Set(ctx, float64(len(q.ch)), o11y.L("transport", name))

	if err != nil {
		r.sendErrors.inc(ctx, o11y.L("transport", name))
		if it.peer != "" {
			// TTL pruning removes it on the next tick.
			r.table.MarkUnreachable(it.peer)
			r.logger.Warn("Send failed, peer marked unreachable",
				zap.String("peer", it.peer), zap.String("type", it.typ),
				zap.String("transport", name), zap.Error(err))
			return
		}
		r.logger.Warn("Broadcast failed", zap.String("type", it.typ), zap.String("transport", name), zap.Error(err))
		return
	}
	r.envelopesOut.inc(ctx, o11y.L("transport", name))
}
