package match

import (
	"context"

	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// Hit is one subscription selected for an envelope.
type Hit[T any] struct {
	Item   T
	Fields map[string]string
}

type entry[T any] struct {
	id      uint64
	pattern Pattern
	item    T
}

// List holds subscriptions in insertion order. It is not safe for
// concurrent use; the router owns it from a single goroutine.
type List[T any] struct {
	next    uint64
	entries []entry[T]
}

// Add appends a subscription and returns its id.
func (l *List[T]) Add(p Pattern, item T) uint64 {
	l.next++
	l.entries = append(l.entries, entry[T]{id: l.next, pattern: p, item: item})
	return l.next
}

// Remove drops the subscription with the given id.
func (l *List[T]) Remove(id uint64) bool {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *List[T]) Len() int { return len(l.entries) }

// Patterns returns the textual forms of all patterns, deduplicated, in
// insertion order.
func (l *List[T]) Patterns() []string {
	seen := make(map[string]bool, len(l.entries))
	var out []string
	for _, e := range l.entries {
		s := e.pattern.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Match returns every subscription whose pattern accepts e, each exactly
// once and in insertion order. payload is decoded at most once, and only if
// a filter needs it.
func (l *List[T]) Match(ctx context.Context, e wire.Envelope, payload func() value.Value) []Hit[T] {
	var (
		decoded bool
		v       value.Value
	)
	lazy := func() value.Value {
		if !decoded {
			decoded = true
			if payload != nil {
				v = payload()
			}
		}
		return v
	}

	var hits []Hit[T]
	for _, en := range l.entries {
		if ok, fields := en.pattern.Matches(ctx, e, lazy); ok {
			hits = append(hits, Hit[T]{Item: en.item, Fields: fields})
		}
	}
	return hits
}
