package endpoint

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func udp(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: port}
}

func TestObserveAndResolve(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Resolve("B")
	assert.ErrorIs(t, err, ErrNotFound)

	change := tbl.Observe(Observation{
		Name:          "B",
		Transport:     "udp",
		Address:       udp(4000),
		Subscriptions: []string{"Hover*"},
	}, t0)
	assert.Equal(t, Added, change)

	addr, err := tbl.Resolve("B")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:4000", addr.String())

	assert.Equal(t, Refreshed, tbl.Observe(Observation{
		Name: "B", Transport: "udp", Address: udp(4000), Subscriptions: []string{"Hover*"},
	}, t0.Add(time.Second)))

	assert.Equal(t, Updated, tbl.Observe(Observation{
		Name: "B", Transport: "udp", Address: udp(4001), Subscriptions: []string{"Hover*"},
	}, t0.Add(2*time.Second)))

	e, ok := tbl.Get("B")
	require.True(t, ok)
	assert.Equal(t, t0, e.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Second), e.LastSeen)
}

func TestObserveRestart(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(Observation{Name: "B", Incarnation: "one"}, t0)
	assert.Equal(t, Restarted, tbl.Observe(Observation{Name: "B", Incarnation: "two"}, t0.Add(time.Second)))

	e, _ := tbl.Get("B")
	assert.Equal(t, "two", e.Incarnation)
	assert.Equal(t, t0.Add(time.Second), e.FirstSeen)
}

func TestPrune(t *testing.T) {
	tbl := NewTable()
	ttl := 6 * time.Second

	tbl.Observe(Observation{Name: "old"}, t0)
	tbl.Observe(Observation{Name: "fresh"}, t0.Add(5*time.Second))

	assert.Empty(t, tbl.Prune(t0.Add(ttl), ttl), "exactly ttl old is still alive")

	removed := tbl.Prune(t0.Add(ttl+time.Millisecond), ttl)
	assert.Equal(t, []string{"old"}, removed)

	_, err := tbl.Resolve("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.Resolve("fresh")
	assert.NoError(t, err)
}

func TestUnreachableIsPrunedNextTime(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(Observation{Name: "B"}, t0)
	assert.True(t, tbl.MarkUnreachable("B"))
	assert.False(t, tbl.MarkUnreachable("nobody"))

	_, err := tbl.Resolve("B")
	assert.NoError(t, err, "still resolvable until pruned")

	assert.Equal(t, []string{"B"}, tbl.Prune(t0, time.Hour))
	assert.Zero(t, tbl.Len())
}

func TestBeaconClearsUnreachable(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(Observation{Name: "B"}, t0)
	tbl.MarkUnreachable("B")
	tbl.Observe(Observation{Name: "B"}, t0.Add(time.Second))
	assert.Empty(t, tbl.Prune(t0.Add(time.Second), time.Hour))
}

func TestSnapshotIsCopy(t *testing.T) {
	tbl := NewTable()
	tbl.Observe(Observation{Name: "b", Publications: []string{"X"}}, t0)
	tbl.Observe(Observation{Name: "a"}, t0)

	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, "b", snap[1].Name)

	snap[1].Publications[0] = "mutated"
	e, _ := tbl.Get("b")
	assert.Equal(t, []string{"X"}, e.Publications)
}

func TestTouch(t *testing.T) {
	tbl := NewTable()
	assert.False(t, tbl.Touch("B", t0))
	tbl.Observe(Observation{Name: "B"}, t0)
	assert.True(t, tbl.Touch("B", t0.Add(5*time.Second)))
	assert.Empty(t, tbl.Prune(t0.Add(10*time.Second), 6*time.Second))
}

func TestConcurrentReaders(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = tbl.Resolve("B")
					_ = tbl.Snapshot()
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		tbl.Observe(Observation{Name: "B", Address: udp(i)}, t0.Add(time.Duration(i)*time.Millisecond))
	}
	close(stop)
	wg.Wait()

	addr, err := tbl.Resolve("B")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:999", addr.String())
}
