package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
)

// supervise runs a transport's receive loop until ctx is cancelled. When the
// loop gives up, the transport is closed and reopened with exponential
// backoff; a run that lasted longer than MaxRestartBackoff resets the delay.
func (r *Router) supervise(ctx context.Context, q *queue) {
	defer r.recvWG.Done()

	t := q.transport
	logger := r.logger.With(zap.String("transport", t.Name()))
	deliver := r.accept(t.Name())
	backoff := r.restartBackoff

	for {
		started := r.clock.Now()
		err := t.Receive(ctx, deliver)
		if ctx.Err() != nil {
			return
		}
		if r.clock.Now().Sub(started) > MaxRestartBackoff {
			backoff = r.restartBackoff
		}
		r.restarts.inc(ctx, o11y.L("transport", t.Name()))
		logger.Warn("Transport receive loop failed, restarting", zap.Error(err), zap.Duration("backoff", backoff))

		for {
			select {
			case <-r.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff)

			if cerr := t.Close(); cerr != nil {
				logger.Debug("Close before restart failed", zap.Error(cerr))
			}
			if oerr := t.Open(ctx); oerr != nil {
				logger.Warn("Transport reopen failed", zap.Error(oerr), zap.Duration("backoff", backoff))
				continue
			}
			logger.Info("Transport restarted")
			break
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > MaxRestartBackoff || d <= 0 {
		return MaxRestartBackoff
	}
	return d
}
