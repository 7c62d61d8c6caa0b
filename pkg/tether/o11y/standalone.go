package o11y

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/tether/pkg/tether/value"
	"go.uber.org/zap"
)

// MetricsTypeName is the message type of published snapshots.
const MetricsTypeName = "Metrics"

// Publisher is the part of a router the standalone provider needs.
type Publisher interface {
	PublishValue(ctx context.Context, typeName string, v value.Value) error
}

// StandaloneConfig configures the standalone metrics provider
type StandaloneConfig struct {
	Interval    time.Duration // how often to publish; 0 disables publishing
	ServiceName string        // node name included in snapshots
	// HistogramWindow bounds the samples kept per histogram (default 256).
	HistogramWindow int
}

// Standalone keeps metrics in memory and, when started with a Publisher,
// periodically broadcasts them as Metrics messages so that any node on the
// bus can watch another node's counters.
type Standalone struct {
	config StandaloneConfig
	logger *zap.Logger

	counters   sync.Map // key -> *standaloneCounter
	histograms sync.Map // key -> *standaloneHistogram
	gauges     sync.Map // key -> *standaloneGauge

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

func NewStandalone(config StandaloneConfig, logger *zap.Logger) *Standalone {
	if config.HistogramWindow <= 0 {
		config.HistogramWindow = 256
	}
	if config.ServiceName == "" {
		config.ServiceName = "unknown"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Standalone{config: config, logger: logger}
}

// Start begins periodic publishing through pub. It is a no-op when the
// interval is zero or the provider is already running.
func (s *Standalone) Start(pub Publisher) {
	if s.config.Interval <= 0 || !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.publishLoop(ctx, pub)
}

// Stop ends publishing.
func (s *Standalone) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Standalone) publishLoop(ctx context.Context, pub Publisher) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := pub.PublishValue(ctx, MetricsTypeName, s.Snapshot()); err != nil {
				s.logger.Debug("Failed to publish metrics snapshot", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot renders all metrics as an object with counters, gauges and
// histogram summaries (count, min, max, mean over the retained window).
func (s *Standalone) Snapshot() value.Value {
	snap := value.NewObject()
	snap.Set("timestamp", value.String(time.Now().UTC().Format(time.RFC3339Nano)))
	snap.Set("service", value.String(s.config.ServiceName))

	counters := value.NewObject()
	for _, k := range sortedKeys(&s.counters) {
		c, _ := s.counters.Load(k)
		counters.Set(k, value.Int(c.(*standaloneCounter).value.Load()))
	}
	snap.Set("counters", counters)

	gauges := value.NewObject()
	for _, k := range sortedKeys(&s.gauges) {
		g, _ := s.gauges.Load(k)
		gauges.Set(k, value.Float(g.(*standaloneGauge).get()))
	}
	snap.Set("gauges", gauges)

	histograms := value.NewObject()
	for _, k := range sortedKeys(&s.histograms) {
		h, _ := s.histograms.Load(k)
		histograms.Set(k, h.(*standaloneHistogram).summary())
	}
	snap.Set("histograms", histograms)
	return snap
}

// CounterValue returns the current value of a counter, for tests and the CLI.
func (s *Standalone) CounterValue(name string, labels ...Label) int64 {
	if c, ok := s.counters.Load(key(name, labels)); ok {
		return c.(*standaloneCounter).value.Load()
	}
	return 0
}

func (s *Standalone) Counter(name string) Counter {
	return &labelled[*standaloneCounter]{name: name, store: &s.counters, mk: func() *standaloneCounter {
		return &standaloneCounter{}
	}}
}

func (s *Standalone) Histogram(name string) Histogram {
	window := s.config.HistogramWindow
	return &labelled[*standaloneHistogram]{name: name, store: &s.histograms, mk: func() *standaloneHistogram {
		return &standaloneHistogram{window: window}
	}}
}

func (s *Standalone) Gauge(name string) Gauge {
	return &labelled[*standaloneGauge]{name: name, store: &s.gauges, mk: func() *standaloneGauge {
		return &standaloneGauge{}
	}}
}

// labelled resolves one series per label set.
type labelled[M any] struct {
	name  string
	store *sync.Map
	mk    func() M
}

func (l *labelled[M]) series(labels []Label) M {
	k := key(l.name, labels)
	if existing, ok := l.store.Load(k); ok {
		return existing.(M)
	}
	actual, _ := l.store.LoadOrStore(k, l.mk())
	return actual.(M)
}

func (l *labelled[M]) Add(ctx context.Context, v int64, labels ...Label) {
	if c, ok := any(l.series(labels)).(*standaloneCounter); ok {
		c.value.Add(v)
	}
}

func (l *labelled[M]) Record(ctx context.Context, v float64, labels ...Label) {
	if h, ok := any(l.series(labels)).(*standaloneHistogram); ok {
		h.record(v)
	}
}

func (l *labelled[M]) Set(ctx context.Context, v float64, labels ...Label) {
	if g, ok := any(l.series(labels)).(*standaloneGauge); ok {
		g.set(v)
	}
}

func key(name string, labels []Label) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + l.Value
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

type standaloneCounter struct {
	value atomic.Int64
}

type standaloneGauge struct {
	mu    sync.RWMutex
	value float64
}

func (g *standaloneGauge) set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *standaloneGauge) get() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

type standaloneHistogram struct {
	mu     sync.Mutex
	window int
	count  int64
	values []float64
}

func (h *standaloneHistogram) record(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.values = append(h.values, v)
	if len(h.values) > h.window {
		h.values = h.values[len(h.values)-h.window:]
	}
}

func (h *standaloneHistogram) summary() value.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := value.NewObject()
	out.Set("count", value.Int(h.count))
	if len(h.values) == 0 {
		return out
	}
	lo, hi, sum := h.values[0], h.values[0], 0.0
	for _, v := range h.values {
		lo = min(lo, v)
		hi = max(hi, v)
		sum += v
	}
	out.Set("min", value.Float(lo))
	out.Set("max", value.Float(hi))
	out.Set("mean", value.Float(sum/float64(len(h.values))))
	return out
}
