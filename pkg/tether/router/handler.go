package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tsarna/tether/pkg/tether/endpoint"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

var (
	// ErrUnresolved is returned by SendTo for peers missing from the
	// endpoint table. It also matches endpoint.ErrNotFound.
	ErrUnresolved = errors.New("peer not resolved")
	// ErrQueueFull is returned when an outbound queue is saturated.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrNotRunning is returned by operations on a router that is not started.
	ErrNotRunning = errors.New("router not running")
	// ErrNoTransport is returned when a peer's transport is not attached.
	ErrNoTransport = errors.New("no such transport")
)

func unresolved(peer string) error {
	return fmt.Errorf("%w: %q: %w", ErrUnresolved, peer, endpoint.ErrNotFound)
}

// Delivery is one envelope handed to a handler.
type Delivery struct {
	Envelope wire.Envelope
	// Codec is the codec the envelope and its payload arrived in.
	Codec wire.Codec
	// Value is the decoded payload. For unregistered types it is a Bytes
	// value holding the raw payload and Known is false.
	Value value.Value
	Known bool
	// Fields holds values extracted by MQTT-style patterns.
	Fields map[string]string

	Transport string
	From      net.Addr
	Received  time.Time
}

// Handle is the send-only view of a router given to handlers, so they can
// answer without holding the router itself.
type Handle interface {
	// Name is the local node name.
	Name() string
	Publish(ctx context.Context, msg any) error
	PublishValue(ctx context.Context, typeName string, v value.Value) error
	SendTo(ctx context.Context, peer, typeName string, v value.Value) error
	SendMessage(ctx context.Context, peer string, msg any) error
	// PublishRaw and SendRaw forward an encoded payload, such as the
	// Value bytes of a Delivery with Known false.
	PublishRaw(ctx context.Context, typeName string, payload []byte, codec wire.Codec) error
	SendRaw(ctx context.Context, peer, typeName string, payload []byte, codec wire.Codec) error
}

// Handler receives matching envelopes. Handlers run on the router's
// dispatch goroutine and must not block for long; wrap slow ones with
// subutils.NewAsyncQueueingHandler. A handler that panics is unsubscribed.
type Handler interface {
	OnEnvelope(ctx context.Context, h Handle, d Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, h Handle, d Delivery) error

func (f HandlerFunc) OnEnvelope(ctx context.Context, h Handle, d Delivery) error {
	return f(ctx, h, d)
}

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
}

func (s Subscription) Pattern() string { return s.pattern }

// PeerEventKind says whether a peer appeared or went away.
type PeerEventKind uint8

const (
	PeerFound PeerEventKind = iota
	PeerLost
	// PeerRestarted is reported when a known peer beacons with a new
	// incarnation.
	PeerRestarted
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerFound:
		return "found"
	case PeerLost:
		return "lost"
	case PeerRestarted:
		return "restarted"
	}
	return "unknown"
}

type PeerEvent struct {
	Kind     PeerEventKind
	Name     string
	Endpoint endpoint.Endpoint // zero for PeerLost
}

// PeerListener is called on the dispatch goroutine for every peer change.
type PeerListener func(PeerEvent)
