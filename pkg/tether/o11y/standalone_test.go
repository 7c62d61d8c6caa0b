package o11y

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/tether/pkg/tether/value"
	"go.uber.org/zap/zaptest"
)

type capturePublisher struct {
	mu    sync.Mutex
	types []string
	snaps []value.Value
}

func (c *capturePublisher) PublishValue(ctx context.Context, typeName string, v value.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, typeName)
	c.snaps = append(c.snaps, v)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func TestStandaloneCountersAndLabels(t *testing.T) {
	s := NewStandalone(StandaloneConfig{ServiceName: "A"}, zaptest.NewLogger(t))
	ctx := context.Background()

	c := s.Counter(MetricEnvelopesIn)
	c.Add(ctx, 1, L("transport", "udp"))
	c.Add(ctx, 2, L("transport", "udp"))
	c.Add(ctx, 5, L("transport", "serial"))
	c.Add(ctx, 1)

	assert.Equal(t, int64(3), s.CounterValue(MetricEnvelopesIn, L("transport", "udp")))
	assert.Equal(t, int64(5), s.CounterValue(MetricEnvelopesIn, L("transport", "serial")))
	assert.Equal(t, int64(1), s.CounterValue(MetricEnvelopesIn))
	assert.Zero(t, s.CounterValue("missing"))
}

func TestStandaloneSnapshot(t *testing.T) {
	s := NewStandalone(StandaloneConfig{ServiceName: "A", HistogramWindow: 2}, nil)
	ctx := context.Background()

	s.Gauge(MetricPeers).Set(ctx, 3)
	h := s.Histogram(MetricDispatchSeconds)
	h.Record(ctx, 1)
	h.Record(ctx, 2)
	h.Record(ctx, 4)
	s.Counter(MetricBeacons).Add(ctx, 7)

	snap := s.Snapshot()
	svc, _ := snap.Get("service").AsString()
	assert.Equal(t, "A", svc)

	peers, _ := snap.Path("gauges", MetricPeers).AsFloat64()
	assert.Equal(t, 3.0, peers)

	beacons, _ := snap.Path("counters", MetricBeacons).AsInt64()
	assert.Equal(t, int64(7), beacons)

	count, _ := snap.Path("histograms", MetricDispatchSeconds, "count").AsInt64()
	assert.Equal(t, int64(3), count)
	lo, _ := snap.Path("histograms", MetricDispatchSeconds, "min").AsFloat64()
	assert.Equal(t, 2.0, lo, "window keeps the most recent samples")
}

func TestStandalonePublishes(t *testing.T) {
	s := NewStandalone(StandaloneConfig{Interval: 5 * time.Millisecond}, nil)
	pub := &capturePublisher{}
	s.Start(pub)
	s.Start(pub)

	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, MetricsTypeName, pub.types[0])
}

func TestStandaloneZeroIntervalDoesNotPublish(t *testing.T) {
	s := NewStandalone(StandaloneConfig{}, nil)
	pub := &capturePublisher{}
	s.Start(pub)
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	assert.Zero(t, pub.count())
}

func TestNop(t *testing.T) {
	p := Nop()
	p.Counter("c").Add(context.Background(), 1)
	p.Gauge("g").Set(context.Background(), 1)
	p.Histogram("h").Record(context.Background(), 1)
}
