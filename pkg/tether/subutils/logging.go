// Package subutils holds reusable router.Handler wrappers.
package subutils

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsarna/tether/pkg/tether/router"
)

// LoggingHandler logs every delivery and passes it on to the wrapped
// handler. With a nil wrapped handler it only logs.
type LoggingHandler struct {
	wrapped  router.Handler
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

func NewLoggingHandler(wrapped router.Handler, logger *zap.Logger, logLevel zapcore.Level) *LoggingHandler {
	return NewNamedLoggingHandler(wrapped, logger, logLevel, "LoggingHandler")
}

// NewNamedLoggingHandler is NewLoggingHandler with a name included in each
// log entry.
func NewNamedLoggingHandler(wrapped router.Handler, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHandler{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingHandler) OnEnvelope(ctx context.Context, h router.Handle, d router.Delivery) error {
	if ce := l.logger.Check(l.logLevel, "Envelope received"); ce != nil {
		ce.Write(
			zap.String("handler", l.name),
			zap.String("src", d.Envelope.Src),
			zap.String("dst", d.Envelope.Dst),
			zap.String("type", d.Envelope.Type),
			zap.String("codec", d.Codec.String()),
			zap.Stringer("payload", d.Value),
			zap.Bool("known", d.Known),
			zap.Any("fields", d.Fields),
			zap.String("transport", d.Transport),
		)
	}

	if l.wrapped != nil {
		return l.wrapped.OnEnvelope(ctx, h, d)
	}
	return nil
}
