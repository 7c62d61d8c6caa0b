// Package match decides which local subscriptions an envelope reaches.
//
// Pattern strings are advertised in presence beacons, so every pattern has a
// textual form:
//
//	*                    every envelope
//	Ping                 type is exactly "Ping"
//	Hover*               type starts with "Hover"
//	sensors/+room/temp   MQTT-style match on the type, "+room" extracted
//	src=esp;type=Cmd     every present field is a substring of the envelope's
//
// A payload filter can be attached with Where; filters stay local and are
// not part of the textual form.
package match

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/itchyny/gojq"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

var ErrBadPattern = errors.New("invalid subscription pattern")

type kind uint8

const (
	kindAll kind = iota
	kindExact
	kindPrefix
	kindMQTT
	kindTriple
)

// Pattern is a parsed subscription pattern. The zero Pattern matches
// nothing; use Parse or All.
type Pattern struct {
	raw     string
	kind    kind
	text    string
	extract bool

	src, dst, typ string

	where    *gojq.Code
	whereSrc string
}

// All matches every envelope.
func All() Pattern { return Pattern{raw: "*", kind: kindAll} }

// Parse reads the textual form of a pattern.
func Parse(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Pattern{}, fmt.Errorf("%w: empty", ErrBadPattern)
	case s == "*":
		return All(), nil
	case isTriple(s):
		return parseTriple(s)
	case strings.ContainsAny(s, "+#"):
		if err := checkTopic(s); err != nil {
			return Pattern{}, err
		}
		return Pattern{raw: s, kind: kindMQTT, text: s, extract: mqttpattern.HasExtractions(s)}, nil
	case strings.HasSuffix(s, "*"):
		return Pattern{raw: s, kind: kindPrefix, text: strings.TrimSuffix(s, "*")}, nil
	}
	return Pattern{raw: s, kind: kindExact, text: s}, nil
}

// MustParse is Parse for patterns known at compile time.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseAll parses every string, failing on the first invalid one.
func ParseAll(ss []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(ss))
	for _, s := range ss {
		p, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func isTriple(s string) bool {
	for _, prefix := range []string{"src=", "dst=", "type="} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// checkTopic rejects MQTT wildcards that are not a whole level. "#" must
// be the last level; "+" may carry a field name ("+room").
func checkTopic(s string) error {
	levels := strings.Split(s, "/")
	for i, level := range levels {
		switch {
		case strings.Contains(level, "#"):
			if level != "#" || i != len(levels)-1 {
				return fmt.Errorf("%w: %q: '#' must be the last level", ErrBadPattern, s)
			}
		case strings.Contains(level, "+"):
			if !strings.HasPrefix(level, "+") || strings.Contains(level[1:], "+") {
				return fmt.Errorf("%w: %q: '+' must start a level", ErrBadPattern, s)
			}
		}
	}
	return nil
}

func parseTriple(s string) (Pattern, error) {
	p := Pattern{raw: s, kind: kindTriple}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Pattern{}, fmt.Errorf("%w: %q has no '='", ErrBadPattern, part)
		}
		switch strings.TrimSpace(k) {
		case "src":
			p.src = v
		case "dst":
			p.dst = v
		case "type":
			p.typ = v
		default:
			return Pattern{}, fmt.Errorf("%w: unknown field %q", ErrBadPattern, k)
		}
	}
	return p, nil
}

// Triple builds a structured pattern. Empty fields are wildcards.
func Triple(src, dst, typ string) Pattern {
	var parts []string
	if src != "" {
		parts = append(parts, "src="+src)
	}
	if dst != "" {
		parts = append(parts, "dst="+dst)
	}
	if typ != "" {
		parts = append(parts, "type="+typ)
	}
	if len(parts) == 0 {
		return All()
	}
	return Pattern{raw: strings.Join(parts, ";"), kind: kindTriple, src: src, dst: dst, typ: typ}
}

// String returns the textual form, without any Where filter.
func (p Pattern) String() string { return p.raw }

// Where returns a copy of p that additionally requires the jq expression to
// yield a truthy first result for the decoded payload. The expression can
// read $src, $dst and $type.
func (p Pattern) Where(expr string) (Pattern, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: failed to parse jq filter '%s': %v", ErrBadPattern, expr, err)
	}
	code, err := gojq.Compile(q, gojq.WithVariables([]string{"$src", "$dst", "$type"}))
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: failed to compile jq filter '%s': %v", ErrBadPattern, expr, err)
	}
	p.where = code
	p.whereSrc = expr
	return p, nil
}

// HasFilter reports whether the pattern needs the decoded payload.
func (p Pattern) HasFilter() bool { return p.where != nil }

// Filter returns the jq source of the payload filter, if any.
func (p Pattern) Filter() string { return p.whereSrc }

// MatchHeader tests the envelope header only. Extracted MQTT fields are
// returned for patterns that name them.
func (p Pattern) MatchHeader(e wire.Envelope) (bool, map[string]string) {
	switch p.kind {
	case kindAll:
		return p.raw != "", nil
	case kindExact:
		return e.Type == p.text, nil
	case kindPrefix:
		return strings.HasPrefix(e.Type, p.text), nil
	case kindMQTT:
		if !mqttpattern.Matches(p.text, e.Type) {
			return false, nil
		}
		if p.extract {
			return true, mqttpattern.Extract(p.text, e.Type)
		}
		return true, nil
	case kindTriple:
		return strings.Contains(e.Src, p.src) &&
			strings.Contains(e.Dst, p.dst) &&
			strings.Contains(e.Type, p.typ), nil
	}
	return false, nil
}

// MatchPayload applies the Where filter. Patterns without a filter accept
// every payload.
func (p Pattern) MatchPayload(ctx context.Context, e wire.Envelope, payload value.Value) bool {
	if p.where == nil {
		return true
	}
	iter := p.where.RunWithContext(ctx, value.ToAny(payload), e.Src, e.Dst, e.Type)
	result, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := result.(error); isErr {
		return false
	}
	return result != nil && result != false
}

// Matches applies both stages. payload is only called when a filter needs it.
func (p Pattern) Matches(ctx context.Context, e wire.Envelope, payload func() value.Value) (bool, map[string]string) {
	ok, fields := p.MatchHeader(e)
	if !ok {
		return false, nil
	}
	if p.where != nil && !p.MatchPayload(ctx, e, payload()) {
		return false, nil
	}
	return true, fields
}

// AnyMatches reports whether any pattern in ps matches the header of e.
// It is used to decide whether a peer's advertised subscriptions want a
// publication.
func AnyMatches(ps []Pattern, e wire.Envelope) bool {
	for _, p := range ps {
		if ok, _ := p.MatchHeader(e); ok {
			return true
		}
	}
	return false
}
