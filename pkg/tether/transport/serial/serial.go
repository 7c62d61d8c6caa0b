// Package serial carries envelopes over a point-to-point byte stream, such
// as a UART to a microcontroller, using COBS frames with a CRC-16 trailer.
package serial

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/framer"
	"github.com/tsarna/tether/pkg/tether/transport"
)

const (
	DefaultBaud           = 115200
	DefaultErrorThreshold = 5
)

type Config struct {
	Device string
	Baud   int
	// MaxFrame is the largest envelope carried in one frame; it is the MTU.
	MaxFrame       int
	ErrorThreshold int
}

func (c Config) withDefaults() Config {
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = framer.DefaultMaxFrame
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	return c
}

// Opener returns a fresh stream each time the transport is opened.
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// Transport is a framed serial link. The address passed to Send is ignored.
type Transport struct {
	name   string
	config Config
	logger *zap.Logger
	open   Opener
	dec    *framer.Decoder

	mu     sync.RWMutex
	stream io.ReadWriteCloser
	writer *framer.Writer
}

// New returns a transport for the tty at config.Device.
func New(name string, config Config, logger *zap.Logger) *Transport {
	config = config.withDefaults()
	return NewWithOpener(name, config, logger, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return openPort(config.Device, config.Baud)
	})
}

// NewStream returns a transport over an already open stream. It cannot be
// reopened once closed.
func NewStream(name string, rwc io.ReadWriteCloser, config Config, logger *zap.Logger) *Transport {
	var once sync.Once
	return NewWithOpener(name, config, logger, func(ctx context.Context) (io.ReadWriteCloser, error) {
		var s io.ReadWriteCloser
		once.Do(func() { s = rwc })
		if s == nil {
			return nil, os.ErrClosed
		}
		return s, nil
	})
}

func NewWithOpener(name string, config Config, logger *zap.Logger, open Opener) *Transport {
	config = config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("transport", name))
	return &Transport{
		name:   name,
		config: config,
		logger: logger,
		open:   open,
		dec:    framer.NewDecoder(config.MaxFrame, framer.WithLogger(logger)),
	}
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) MTU() int { return t.config.MaxFrame }

// Stats returns the frame decoder counters.
func (t *Transport) Stats() framer.Stats { return t.dec.Stats() }

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream != nil {
		return nil
	}
	s, err := t.open(ctx)
	if err != nil {
		return transport.Wrap(t.name, "open", err)
	}
	t.stream = s
	t.writer = framer.NewWriter(s, t.config.MaxFrame)
	t.dec.Reset()
	t.logger.Info("Serial transport open", zap.String("device", t.config.Device), zap.Int("baud", t.config.Baud))
	return nil
}

func (t *Transport) current() (io.ReadWriteCloser, *framer.Writer) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stream, t.writer
}

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Receive delivers verified frames with a nil source address. Corrupt frames
// are counted and skipped; they do not count as errors.
func (t *Transport) Receive(ctx context.Context, deliver transport.DeliverFunc) error {
	s, _ := t.current()
	if s == nil {
		return transport.ErrClosed
	}

	// Unblock the pending Read on cancellation. Streams without deadlines
	// have to be closed instead.
	stop := context.AfterFunc(ctx, func() {
		if d, ok := s.(deadliner); ok && d.SetReadDeadline(time.Now()) == nil {
			return
		}
		t.Close()
	})
	defer func() {
		if !stop() {
			if d, ok := s.(deadliner); ok {
				_ = d.SetReadDeadline(time.Time{})
			}
		}
	}()

	r := framer.NewReader(s, t.dec)
	budget := transport.ErrorBudget{Threshold: t.config.ErrorThreshold}
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return transport.Wrap(t.name, "receive", err)
			}
			t.logger.Warn("Serial read error", zap.Int("consecutive", budget.Count()+1), zap.Error(err))
			if budget.Fail() {
				return transport.Wrap(t.name, "receive", err)
			}
			continue
		}
		budget.Reset()
		deliver(frame, nil)
	}
}

func (t *Transport) Send(ctx context.Context, _ net.Addr, data []byte) error {
	if err := transport.CheckMTU(data, t.config.MaxFrame); err != nil {
		return err
	}
	_, w := t.current()
	if w == nil {
		return transport.ErrClosed
	}
	if err := w.WriteFrame(data); err != nil {
		return transport.Wrap(t.name, "send", err)
	}
	return nil
}

// Broadcast is Send on a point-to-point link.
func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	return t.Send(ctx, nil, data)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return nil
	}
	err := t.stream.Close()
	t.stream, t.writer = nil, nil
	return err
}
