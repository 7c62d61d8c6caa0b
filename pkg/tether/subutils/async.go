package subutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tsarna/tether/pkg/tether/router"
)

var (
	ErrQueueFull     = errors.New("handler queue is full")
	ErrHandlerClosed = errors.New("handler is closed")
)

// Ticker is implemented by handlers that want periodic callbacks from an
// AsyncQueueingHandler configured WithTicker.
type Ticker interface {
	OnTick(ctx context.Context, h router.Handle, now time.Time)
}

type asyncItem struct {
	ctx      context.Context
	handle   router.Handle
	delivery router.Delivery
}

// AsyncQueueingHandler wraps another handler and runs it on its own
// goroutine behind a bounded queue, so a slow handler does not hold up the
// router's dispatch loop. Ordering is preserved.
type AsyncQueueingHandler struct {
	wrapped   router.Handler
	queue     chan asyncItem
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	ticker    *time.Ticker
	handle    router.Handle
}

// NewAsyncQueueingHandler creates a handler with a queue of queueSize
// deliveries (100 if not positive).
//
//	async := subutils.NewAsyncQueueingHandler(slow, 100).Start()
//	defer async.Close()
//	r.Subscribe(ctx, "Telemetry*", async)
//
// Close must be called to stop the goroutine; queued deliveries are
// processed before it returns.
func NewAsyncQueueingHandler(wrapped router.Handler, queueSize int) *AsyncQueueingHandler {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &AsyncQueueingHandler{
		wrapped: wrapped,
		queue:   make(chan asyncItem, queueSize),
		done:    make(chan struct{}),
	}
}

// WithTicker calls the wrapped handler's OnTick every interval, if it
// implements Ticker. h is the handle passed to OnTick. Call before Start.
func (a *AsyncQueueingHandler) WithTicker(interval time.Duration, h router.Handle) *AsyncQueueingHandler {
	if interval > 0 && a.ticker == nil {
		if _, ok := a.wrapped.(Ticker); ok {
			a.ticker = time.NewTicker(interval)
			a.handle = h
		}
	}
	return a
}

// Start begins processing in a background goroutine.
func (a *AsyncQueueingHandler) Start() *AsyncQueueingHandler {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncQueueingHandler) processQueue() {
	defer a.wg.Done()

	var tickerChan <-chan time.Time
	if a.ticker != nil {
		tickerChan = a.ticker.C
	}

	for {
		select {
		case item := <-a.queue:
			a.process(item)
		case now := <-tickerChan:
			a.wrapped.(Ticker).OnTick(context.Background(), a.handle, now)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncQueueingHandler) process(item asyncItem) {
	// Errors have nowhere to go once the router call has returned.
	_ = a.wrapped.OnEnvelope(item.ctx, item.handle, item.delivery)
}

func (a *AsyncQueueingHandler) drainQueue() {
	for {
		select {
		case item := <-a.queue:
			a.process(item)
		default:
			return
		}
	}
}

// OnEnvelope queues the delivery and returns immediately. The router's
// context is detached so that cancelling dispatch does not cancel queued
// work.
func (a *AsyncQueueingHandler) OnEnvelope(ctx context.Context, h router.Handle, d router.Delivery) error {
	if a.IsClosed() {
		return ErrHandlerClosed
	}
	select {
	case a.queue <- asyncItem{ctx: context.WithoutCancel(ctx), handle: h, delivery: d}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the ticker, processes what is queued and waits for the
// goroutine to exit.
func (a *AsyncQueueingHandler) Close() error {
	a.closeOnce.Do(func() {
		if a.ticker != nil {
			a.ticker.Stop()
		}
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

func (a *AsyncQueueingHandler) QueueSize() int { return len(a.queue) }

func (a *AsyncQueueingHandler) QueueCapacity() int { return cap(a.queue) }

func (a *AsyncQueueingHandler) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
