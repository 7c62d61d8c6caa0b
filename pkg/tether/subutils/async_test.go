package subutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// testHandler records deliveries and ticks.
type testHandler struct {
	mu           sync.Mutex
	deliveries   []router.Delivery
	ticks        int
	processDelay time.Duration
	block        chan struct{}
}

func (h *testHandler) OnEnvelope(ctx context.Context, _ router.Handle, d router.Delivery) error {
	if h.block != nil {
		<-h.block
	}
	if h.processDelay > 0 {
		time.Sleep(h.processDelay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries = append(h.deliveries, d)
	return nil
}

func (h *testHandler) OnTick(ctx context.Context, _ router.Handle, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks++
}

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deliveries)
}

func (h *testHandler) tickCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

func delivery(typ string, n int64) router.Delivery {
	v := value.NewObject()
	v.Set("n", value.Int(n))
	return router.Delivery{
		Envelope: wire.Envelope{Src: "A", Type: typ},
		Value:    v,
		Known:    true,
	}
}

func TestNewAsyncQueueingHandler(t *testing.T) {
	base := &testHandler{}
	async := NewAsyncQueueingHandler(base, 10)
	defer async.Close()

	assert.Equal(t, 10, async.QueueCapacity())
	assert.Zero(t, async.QueueSize())
	assert.False(t, async.IsClosed())

	assert.Equal(t, 100, NewAsyncQueueingHandler(base, 0).QueueCapacity())
}

func TestAsyncPreservesOrder(t *testing.T) {
	base := &testHandler{processDelay: time.Millisecond}
	async := NewAsyncQueueingHandler(base, 50).Start()

	for i := range 20 {
		require.NoError(t, async.OnEnvelope(context.Background(), nil, delivery("Ping", int64(i))))
	}
	require.NoError(t, async.Close())

	require.Equal(t, 20, base.count())
	for i, d := range base.deliveries {
		n, _ := d.Value.Get("n").AsInt64()
		assert.EqualValues(t, i, n)
	}
}

func TestAsyncQueueFull(t *testing.T) {
	base := &testHandler{block: make(chan struct{})}
	async := NewAsyncQueueingHandler(base, 1).Start()

	require.NoError(t, async.OnEnvelope(context.Background(), nil, delivery("Ping", 1)))
	// the worker holds the first delivery; the second fills the queue
	require.Eventually(t, func() bool { return async.QueueSize() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, async.OnEnvelope(context.Background(), nil, delivery("Ping", 2)))
	assert.ErrorIs(t, async.OnEnvelope(context.Background(), nil, delivery("Ping", 3)), ErrQueueFull)

	close(base.block)
	require.NoError(t, async.Close())
	assert.Equal(t, 2, base.count())
}

func TestAsyncClosed(t *testing.T) {
	async := NewAsyncQueueingHandler(&testHandler{}, 1).Start()
	require.NoError(t, async.Close())
	require.NoError(t, async.Close())
	assert.True(t, async.IsClosed())
	assert.ErrorIs(t, async.OnEnvelope(context.Background(), nil, delivery("Ping", 1)), ErrHandlerClosed)
}

func TestAsyncContextDetached(t *testing.T) {
	base := &testHandler{block: make(chan struct{})}
	async := NewAsyncQueueingHandler(base, 4).Start()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, async.OnEnvelope(ctx, nil, delivery("Ping", 1)))
	cancel()
	close(base.block)
	require.NoError(t, async.Close())
	assert.Equal(t, 1, base.count())
}

func TestAsyncTicker(t *testing.T) {
	base := &testHandler{}
	async := NewAsyncQueueingHandler(base, 4).WithTicker(5*time.Millisecond, nil).Start()
	defer async.Close()

	assert.Eventually(t, func() bool { return base.tickCount() >= 2 }, time.Second, time.Millisecond)
}
