package framer

import (
	"fmt"
	"io"
	"sync"
)

// Writer writes one frame per WriteFrame call. It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame int
	buf      []byte
}

func NewWriter(w io.Writer, maxFrame int) *Writer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Writer{w: w, maxFrame: maxFrame}
}

// WriteFrame frames payload and writes it with a single Write call.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) > fw.maxFrame {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(payload), fw.maxFrame)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.buf = AppendFrame(fw.buf[:0], payload)
	_, err := fw.w.Write(fw.buf)
	return err
}

// Reader yields verified payloads from a byte stream.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	chunk   []byte
	pending [][]byte
}

func NewReader(r io.Reader, dec *Decoder) *Reader {
	return &Reader{r: r, dec: dec, chunk: make([]byte, 512)}
}

// ReadFrame blocks until a complete payload is available. Corrupt frames are
// skipped and counted by the decoder. The returned slice is owned by the
// caller.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for len(fr.pending) == 0 {
		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.dec.Feed(fr.chunk[:n], func(p []byte) {
				fr.pending = append(fr.pending, append([]byte(nil), p...))
			})
		}
		if err != nil && len(fr.pending) == 0 {
			return nil, err
		}
	}
	p := fr.pending[0]
	fr.pending[0] = nil
	fr.pending = fr.pending[1:]
	return p, nil
}

func (fr *Reader) Decoder() *Decoder { return fr.dec }
