package subutils

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/match"
	"github.com/tsarna/tether/pkg/tether/router"
	"github.com/tsarna/tether/pkg/tether/value"
	"github.com/tsarna/tether/pkg/tether/wire"
)

// TransformFunc may modify d in place. Returning false drops the delivery
// and stops the chain.
type TransformFunc func(ctx context.Context, d *router.Delivery) bool

// TransformingHandler applies transforms in order before calling the
// wrapped handler.
type TransformingHandler struct {
	wrapped    router.Handler
	transforms []TransformFunc
}

// NewTransformingHandler wraps a handler with a transform chain.
//
//	h := subutils.NewTransformingHandler(printer,
//		subutils.Must(subutils.DropMatching("Alive")),
//		subutils.Must(subutils.JqTransform("{speed}", logger)),
//	)
func NewTransformingHandler(wrapped router.Handler, transforms ...TransformFunc) *TransformingHandler {
	return &TransformingHandler{wrapped: wrapped, transforms: transforms}
}

func (t *TransformingHandler) OnEnvelope(ctx context.Context, h router.Handle, d router.Delivery) error {
	for _, tf := range t.transforms {
		if !tf(ctx, &d) {
			return nil
		}
	}
	return t.wrapped.OnEnvelope(ctx, h, d)
}

// Must panics if err is not nil; for transforms built from constants.
func Must(tf TransformFunc, err error) TransformFunc {
	if err != nil {
		panic(err)
	}
	return tf
}

// DropMatching drops deliveries whose envelope matches pattern. Payload
// filters on the pattern are honoured.
func DropMatching(pattern string) (TransformFunc, error) {
	p, err := match.Parse(pattern)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, d *router.Delivery) bool {
		ok, _ := p.Matches(ctx, d.Envelope, func() value.Value { return d.Value })
		return !ok
	}, nil
}

// KeepMatching drops deliveries whose envelope does not match pattern.
func KeepMatching(pattern string) (TransformFunc, error) {
	drop, err := DropMatching(pattern)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, d *router.Delivery) bool {
		return !drop(ctx, d)
	}, nil
}

// JqTransform replaces the delivered payload with the result of a jq query.
// The query sees $src, $dst and $type. No result drops the delivery;
// several results are collected into an array. Runtime errors are logged
// and leave the delivery unchanged.
//
// Raw payloads of unregistered types are first decoded in their envelope
// codec so the query can see their structure.
func JqTransform(query string, logger *zap.Logger) (TransformFunc, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}
	code, err := gojq.Compile(q, gojq.WithVariables([]string{"$src", "$dst", "$type"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, d *router.Delivery) bool {
		input := value.ToAny(DecodedPayload(d))
		iter := code.RunWithContext(ctx, input, d.Envelope.Src, d.Envelope.Dst, d.Envelope.Type)

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				logger.Warn("jq transform failed",
					zap.String("query", query), zap.String("type", d.Envelope.Type), zap.Error(err))
				return true
			}
			results = append(results, v)
		}

		var out any
		switch len(results) {
		case 0:
			return false
		case 1:
			out = results[0]
		default:
			out = results
		}
		v, err := value.FromAny(out)
		if err != nil {
			logger.Warn("jq transform produced an unsupported value",
				zap.String("query", query), zap.String("type", d.Envelope.Type), zap.Error(err))
			return true
		}
		d.Value = v
		return true
	}, nil
}

// DecodedPayload returns d's payload, decoding the raw bytes of an
// unregistered type in the envelope codec when they parse.
func DecodedPayload(d *router.Delivery) value.Value {
	if d.Known || d.Value.Kind() != value.KindBytes {
		return d.Value
	}
	raw, _ := d.Value.AsBytes()
	decode := value.DecodeBinary
	if d.Codec == wire.Text {
		decode = value.DecodeText
	}
	v, err := decode(raw)
	if err != nil {
		return d.Value
	}
	return v
}
