package match

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

func env(src, dst, typ string) wire.Envelope {
	return wire.Envelope{Src: src, Dst: dst, Type: typ}
}

func matches(t *testing.T, pattern string, e wire.Envelope) bool {
	t.Helper()
	p, err := Parse(pattern)
	require.NoError(t, err)
	ok, _ := p.MatchHeader(e)
	return ok
}

func TestExactPattern(t *testing.T) {
	assert.True(t, matches(t, "Ping", env("A", "", "Ping")))
	assert.False(t, matches(t, "Ping", env("A", "", "PingPong")))
	assert.False(t, matches(t, "Ping", env("Ping", "", "Pong")))
}

func TestWildcardPatterns(t *testing.T) {
	assert.True(t, matches(t, "*", env("", "", "Anything")))
	assert.True(t, matches(t, "Hover*", env("A", "", "HoverboardCmd")))
	assert.True(t, matches(t, "Hover*", env("A", "", "Hover")))
	assert.False(t, matches(t, "Hover*", env("A", "", "Alive")))
	assert.False(t, matches(t, "Hover*", env("A", "", "hoverboardCmd")))
}

func TestMQTTPatterns(t *testing.T) {
	assert.True(t, matches(t, "sensors/+/temp", env("A", "", "sensors/kitchen/temp")))
	assert.False(t, matches(t, "sensors/+/temp", env("A", "", "sensors/kitchen/humidity")))
	assert.True(t, matches(t, "sensors/#", env("A", "", "sensors/kitchen/temp")))

	p := MustParse("sensors/+room/temp")
	ok, fields := p.MatchHeader(env("A", "", "sensors/kitchen/temp"))
	require.True(t, ok)
	assert.Equal(t, map[string]string{"room": "kitchen"}, fields)
}

func TestTriplePattern(t *testing.T) {
	assert.True(t, matches(t, "src=esp;type=Cmd", env("esp32-left", "", "HoverboardCmd")))
	assert.False(t, matches(t, "src=esp;type=Cmd", env("desk", "", "HoverboardCmd")))
	assert.True(t, matches(t, "dst=B", env("A", "B", "Ping")))
	assert.False(t, matches(t, "dst=B", env("A", "", "Ping")))
	assert.False(t, matches(t, "type=cmd", env("A", "", "HoverboardCmd")), "case-sensitive")

	tp := Triple("", "", "Ping")
	assert.Equal(t, "type=Ping", tp.String())
	ok, _ := tp.MatchHeader(env("x", "", "Ping"))
	assert.True(t, ok)
	assert.Equal(t, "*", Triple("", "", "").String())
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{"", "  ", "src=a;color=red", "type=a;oops", "a/#/b", "a/b+/c", "a#"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrBadPattern, "pattern %q", s)
	}
	assert.Panics(t, func() { MustParse("") })
}

func TestZeroPatternMatchesNothing(t *testing.T) {
	var p Pattern
	ok, _ := p.MatchHeader(env("A", "B", "Ping"))
	assert.False(t, ok)
}

func TestWhereFilter(t *testing.T) {
	p, err := MustParse("Hover*").Where(`.speed > 50 and $src == "A"`)
	require.NoError(t, err)
	assert.True(t, p.HasFilter())
	assert.Equal(t, "Hover*", p.String())

	fast := value.NewObject()
	fast.Set("speed", value.Int(100))
	slow := value.NewObject()
	slow.Set("speed", value.Int(10))

	ctx := context.Background()
	e := env("A", "", "HoverboardCmd")
	ok, _ := p.Matches(ctx, e, func() value.Value { return fast })
	assert.True(t, ok)
	ok, _ = p.Matches(ctx, e, func() value.Value { return slow })
	assert.False(t, ok)
	ok, _ = p.Matches(ctx, env("B", "", "HoverboardCmd"), func() value.Value { return fast })
	assert.False(t, ok)

	_, err = MustParse("*").Where(".[")
	assert.ErrorIs(t, err, ErrBadPattern)

	errs, err := MustParse("*").Where(`error("boom")`)
	require.NoError(t, err)
	assert.False(t, errs.MatchPayload(ctx, e, fast))
}

func TestListOrderAndOnce(t *testing.T) {
	var l List[string]
	l.Add(MustParse("*"), "all")
	l.Add(MustParse("Hover*"), "hover")
	l.Add(MustParse("Ping"), "ping")
	l.Add(MustParse("type=board"), "board")

	hits := l.Match(context.Background(), env("A", "", "HoverboardCmd"), nil)
	var items []string
	for _, h := range hits {
		items = append(items, h.Item)
	}
	assert.Equal(t, []string{"all", "hover", "board"}, items)
}

func TestListRemoveAndPatterns(t *testing.T) {
	var l List[int]
	a := l.Add(MustParse("Ping"), 1)
	l.Add(MustParse("Ping"), 2)
	l.Add(MustParse("Hover*"), 3)

	assert.Equal(t, []string{"Ping", "Hover*"}, l.Patterns())
	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.Equal(t, 2, l.Len())
}

func TestListDecodesPayloadOnce(t *testing.T) {
	var l List[int]
	p1, _ := MustParse("*").Where(".n == 7")
	p2, _ := MustParse("*").Where(".n > 1")
	l.Add(p1, 1)
	l.Add(p2, 2)
	l.Add(MustParse("Nope"), 3)

	calls := 0
	payload := value.NewObject()
	payload.Set("n", value.Int(7))
	hits := l.Match(context.Background(), env("A", "", "Ping"), func() value.Value {
		calls++
		return payload
	})
	assert.Len(t, hits, 2)
	assert.Equal(t, 1, calls)
}

func TestMembershipIsPermutationInvariant(t *testing.T) {
	patterns := []string{"*", "Hover*", "Ping", "src=A", "dst=B", "type=Cmd", "a/+/c", "a/#", "H*", "Alive"}
	envelopes := []wire.Envelope{
		env("A", "B", "HoverboardCmd"),
		env("C", "", "Ping"),
		env("A", "", "a/b/c"),
		env("X", "Y", "Alive"),
	}
	rng := rand.New(rand.NewSource(1))

	members := func(order []string, e wire.Envelope) []string {
		var l List[string]
		for _, s := range order {
			l.Add(MustParse(s), s)
		}
		var out []string
		for _, h := range l.Match(context.Background(), e, nil) {
			out = append(out, h.Item)
		}
		sort.Strings(out)
		return out
	}

	for _, e := range envelopes {
		want := members(patterns, e)
		for i := 0; i < 20; i++ {
			perm := append([]string(nil), patterns...)
			rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
			assert.Equal(t, want, members(perm, e))
		}
	}
}

func TestAnyMatches(t *testing.T) {
	ps, err := ParseAll([]string{"Ping", "Hover*"})
	require.NoError(t, err)
	assert.True(t, AnyMatches(ps, env("A", "", "HoverboardCmd")))
	assert.False(t, AnyMatches(ps, env("A", "", "Alive")))

	_, err = ParseAll([]string{"ok", ""})
	assert.Error(t, err)
}
