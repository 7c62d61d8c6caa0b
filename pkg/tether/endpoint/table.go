// Package endpoint holds the directory of peers learned from presence
// beacons.
package endpoint

import (
	"errors"
	"net"
	"slices"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("endpoint not found")

// Endpoint is a known participant.
type Endpoint struct {
	Name string
	// Transport names the transport the peer was observed on.
	Transport string
	// Address is the transport-specific locator: a *net.UDPAddr for UDP,
	// a connection id for bridges, nil for point-to-point links.
	Address       net.Addr
	Publications  []string
	Subscriptions []string
	// Codec is the payload codec the peer asked for ("binary" or "text").
	Codec       string
	Incarnation string
	FirstSeen   time.Time
	LastSeen    time.Time
	// Unreachable is set when a send to the peer failed; the entry is
	// removed on the next prune.
	Unreachable bool
}

// Observation is one beacon's worth of information about a peer.
type Observation struct {
	Name          string
	Transport     string
	Address       net.Addr
	Publications  []string
	Subscriptions []string
	Codec         string
	Incarnation   string
}

// Change reports what Observe did.
type Change uint8

const (
	Refreshed Change = iota
	Added
	// Restarted means the peer came back with a new incarnation.
	Restarted
	// Updated means the advertised address or patterns changed.
	Updated
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Restarted:
		return "restarted"
	case Updated:
		return "updated"
	}
	return "refreshed"
}

// Table is safe for one writer and many concurrent readers.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Endpoint
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*Endpoint)}
}

// Observe inserts or refreshes an endpoint and sets its LastSeen to now.
func (t *Table) Observe(o Observation, now time.Time) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[o.Name]
	if !ok {
		t.entries[o.Name] = &Endpoint{
			Name:          o.Name,
			Transport:     o.Transport,
			Address:       o.Address,
			Publications:  slices.Clone(o.Publications),
			Subscriptions: slices.Clone(o.Subscriptions),
			Codec:         o.Codec,
			Incarnation:   o.Incarnation,
			FirstSeen:     now,
			LastSeen:      now,
		}
		return Added
	}

	change := Refreshed
	if o.Incarnation != "" && e.Incarnation != "" && o.Incarnation != e.Incarnation {
		change = Restarted
		e.FirstSeen = now
	} else if !sameAddr(e.Address, o.Address) || e.Transport != o.Transport ||
		!slices.Equal(e.Publications, o.Publications) || !slices.Equal(e.Subscriptions, o.Subscriptions) {
		change = Updated
	}

	e.Transport = o.Transport
	e.Address = o.Address
	e.Publications = slices.Clone(o.Publications)
	e.Subscriptions = slices.Clone(o.Subscriptions)
	e.Codec = o.Codec
	if o.Incarnation != "" {
		e.Incarnation = o.Incarnation
	}
	e.LastSeen = now
	e.Unreachable = false
	return change
}

// Touch refreshes LastSeen for traffic other than beacons. It returns false
// for unknown names.
func (t *Table) Touch(name string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if ok && now.After(e.LastSeen) {
		e.LastSeen = now
	}
	return ok
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// Resolve returns the address of name.
func (t *Table) Resolve(name string) (net.Addr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Address, nil
}

// Get returns a copy of the named endpoint.
func (t *Table) Get(name string) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	if !ok {
		return Endpoint{}, false
	}
	return e.clone(), true
}

// MarkUnreachable flags name for removal on the next prune.
func (t *Table) MarkUnreachable(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if ok {
		e.Unreachable = true
	}
	return ok
}

// Remove deletes name and reports whether it was present.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	delete(t.entries, name)
	return ok
}

// Prune removes entries older than ttl and entries marked unreachable. The
// removed names are returned sorted.
func (t *Table) Prune(now time.Time, ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for name, e := range t.entries {
		if e.Unreachable || now.Sub(e.LastSeen) > ttl {
			delete(t.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns copies of all entries sorted by name.
func (t *Table) Snapshot() []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Endpoint, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (e *Endpoint) clone() Endpoint {
	c := *e
	c.Publications = slices.Clone(e.Publications)
	c.Subscriptions = slices.Clone(e.Subscriptions)
	return c
}
