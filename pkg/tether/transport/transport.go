// Package transport defines the interface every tether link implements and
// the error kinds they share. Concrete transports live in subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/tsarna/tether/pkg/tether/wire"
)

var (
	// ErrMtuExceeded is returned by Send and Broadcast for data larger than MTU.
	ErrMtuExceeded = errors.New("envelope exceeds transport MTU")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrTransport matches every *Error.
	ErrTransport = errors.New("transport error")
	// ErrNoPeer is returned by point-to-multipoint transports for unknown addresses.
	ErrNoPeer = errors.New("no such peer on transport")
)

// Error wraps an OS or link error with the operation and transport name.
type Error struct {
	Op        string
	Transport string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransport }

// Wrap returns nil for a nil err, and err itself when it already is one of
// the package's sentinel errors.
func Wrap(transport, op string, err error) error {
	if err == nil || errors.Is(err, ErrMtuExceeded) || errors.Is(err, ErrClosed) {
		return err
	}
	return &Error{Op: op, Transport: transport, Err: err}
}

// DeliverFunc receives one envelope's bytes and the address it came from.
// from is nil on point-to-point links. data is owned by the callee.
type DeliverFunc func(data []byte, from net.Addr)

// Transport moves encoded envelopes. Send and Broadcast may be called
// concurrently with Receive, but a router uses a single sender goroutine per
// transport.
type Transport interface {
	// Name identifies the transport in logs, metrics and endpoint entries.
	Name() string
	// Open acquires sockets or devices. A closed transport may be reopened.
	Open(ctx context.Context) error
	// Receive delivers inbound data until ctx is cancelled, returning
	// ctx.Err(), or until the link fails persistently.
	Receive(ctx context.Context, deliver DeliverFunc) error
	// Send delivers data to one address, at most once.
	Send(ctx context.Context, to net.Addr, data []byte) error
	// Broadcast delivers data to every reachable participant.
	Broadcast(ctx context.Context, data []byte) error
	// MTU is the largest data Send and Broadcast accept.
	MTU() int
	Close() error
}

// Advertiser is implemented by transports whose peers need an explicit
// unicast port in presence beacons.
type Advertiser interface {
	UnicastPort() int
}

// CodecPreferrer is implemented by transports whose peers can only read one
// envelope codec. Broadcasts on them use that codec.
type CodecPreferrer interface {
	PreferredCodec() wire.Codec
}

// ErrorBudget counts consecutive receive errors against a threshold.
type ErrorBudget struct {
	Threshold   int
	consecutive int
}

// Fail records an error and reports whether the threshold is reached.
func (b *ErrorBudget) Fail() bool {
	b.consecutive++
	return b.Threshold > 0 && b.consecutive >= b.Threshold
}

// Reset clears the count after a successful read.
func (b *ErrorBudget) Reset() { b.consecutive = 0 }

func (b *ErrorBudget) Count() int { return b.consecutive }

// CheckMTU returns ErrMtuExceeded when len(data) > mtu.
func CheckMTU(data []byte, mtu int) error {
	if len(data) > mtu {
		return fmt.Errorf("%w: %d > %d bytes", ErrMtuExceeded, len(data), mtu)
	}
	return nil
}
