// Package framer turns a byte stream into self-synchronising frames.
//
// On the wire a frame is
//
//	cobs(payload || crc16_lo || crc16_hi) || 0x00
//
// where the CRC is CRC-16/X-25 over the payload. The stuffing guarantees
// that 0x00 only appears as the delimiter, so a receiver that joins
// mid-stream or sees corruption recovers at the next delimiter.
package framer

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultMaxFrame is the largest payload accepted unless configured otherwise.
const DefaultMaxFrame = 1024

// Delimiter terminates every frame.
const Delimiter = 0x00

// ErrFrameTooLarge is returned when encoding a payload longer than the
// configured maximum.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Encode wraps payload into a complete frame, delimiter included.
func Encode(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, maxEncodedLen(len(payload)+2)+1), payload)
}

// AppendFrame appends the frame for payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	crc := CRC16(payload)
	body := make([]byte, 0, len(payload)+2)
	body = append(body, payload...)
	body = append(body, byte(crc), byte(crc>>8))
	dst = cobsEncode(dst, body)
	return append(dst, Delimiter)
}

// Stats counts decoder outcomes.
type Stats struct {
	Frames         uint64
	CRCErrors      uint64
	EncodingErrors uint64
	Oversize       uint64
}

type state uint8

const (
	stateIdle state = iota
	stateAccumulating
	stateDiscarding
)

// Decoder reassembles frames from arbitrary chunks of a stream. It is not
// safe for concurrent Feed calls.
type Decoder struct {
	maxFrame   int
	maxEncoded int
	logger     *zap.Logger

	st  state
	buf []byte
	out []byte

	frames    atomic.Uint64
	crcErrors atomic.Uint64
	encErrors atomic.Uint64
	oversize  atomic.Uint64
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

func WithLogger(logger *zap.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecoder returns a decoder accepting payloads up to maxFrame bytes.
// A non-positive maxFrame selects DefaultMaxFrame.
func NewDecoder(maxFrame int, opts ...DecoderOption) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	d := &Decoder{
		maxFrame:   maxFrame,
		maxEncoded: maxEncodedLen(maxFrame + 2),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Decoder) MaxFrame() int { return d.maxFrame }

// Feed consumes data and calls emit for every verified payload, in order.
// The slice passed to emit is only valid during the call.
func (d *Decoder) Feed(data []byte, emit func(payload []byte)) {
	for _, b := range data {
		switch d.st {
		case stateDiscarding:
			if b == Delimiter {
				d.st = stateIdle
			}
		case stateIdle:
			if b == Delimiter {
				continue
			}
			d.buf = append(d.buf[:0], b)
			d.st = stateAccumulating
		case stateAccumulating:
			if b == Delimiter {
				d.verify(emit)
				d.buf = d.buf[:0]
				d.st = stateIdle
				continue
			}
			if len(d.buf) >= d.maxEncoded {
				d.oversize.Add(1)
				d.logger.Warn("Discarding oversize frame",
					zap.Int("buffered", len(d.buf)), zap.Int("maxFrame", d.maxFrame))
				d.buf = d.buf[:0]
				d.st = stateDiscarding
				continue
			}
			d.buf = append(d.buf, b)
		}
	}
}

func (d *Decoder) verify(emit func([]byte)) {
	var err error
	d.out, err = cobsDecode(d.out[:0], d.buf)
	if err != nil {
		d.encErrors.Add(1)
		d.logger.Debug("Dropping frame with bad stuffing", zap.Int("len", len(d.buf)))
		return
	}
	if len(d.out) < 2 {
		d.crcErrors.Add(1)
		return
	}
	n := len(d.out) - 2
	if n > d.maxFrame {
		d.oversize.Add(1)
		d.logger.Warn("Discarding oversize frame", zap.Int("payload", n), zap.Int("maxFrame", d.maxFrame))
		return
	}
	want := uint16(d.out[n]) | uint16(d.out[n+1])<<8
	if got := CRC16(d.out[:n]); got != want {
		d.crcErrors.Add(1)
		d.logger.Debug("Dropping frame with bad CRC",
			zap.String("want", fmt.Sprintf("%04x", want)), zap.String("got", fmt.Sprintf("%04x", got)))
		return
	}
	d.frames.Add(1)
	emit(d.out[:n])
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:         d.frames.Load(),
		CRCErrors:      d.crcErrors.Load(),
		EncodingErrors: d.encErrors.Load(),
		Oversize:       d.oversize.Load(),
	}
}

// Reset drops any partially accumulated frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.st = stateIdle
}
