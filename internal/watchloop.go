package internal

import (
	"context"
	"log/slog"
	"time"

	"github.com/starford/mediacat/internal/metrics"
	"github.com/starford/mediacat/internal/models"
)

const (
	watchRetryMin = time.Second
	watchRetryMax = time.Minute
)

type watchSource interface {
	Watch(ctx context.Context, reason string) <-chan models.ChangeBatch
}

type batchRunner interface {
	Run(ctx context.Context, batches <-chan models.ChangeBatch) error
}

// watchLoop feeds a backend's watch stream into the reconciler and reopens
// the stream whenever it closes while ctx is still live, e.g. after a failed
// listing. The delay doubles per restart up to maxWait and resets once a
// stream has stayed open for maxWait.
type watchLoop struct {
	src     watchSource
	rec     batchRunner
	reason  string
	logger  *slog.Logger
	minWait time.Duration
	maxWait time.Duration
}

func newWatchLoop(src watchSource, rec batchRunner, reason string, logger *slog.Logger) *watchLoop {
	return &watchLoop{
		src:     src,
		rec:     rec,
		reason:  reason,
		logger:  logger,
		minWait: watchRetryMin,
		maxWait: watchRetryMax,
	}
}

func (w *watchLoop) run(ctx context.Context) error {
	wait := w.minWait
	for {
		opened := time.Now()
		if err := w.rec.Run(ctx, w.src.Watch(ctx, w.reason)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(opened) >= w.maxWait {
			wait = w.minWait
		}

		w.logger.Warn("watch: stream closed, reopening",
			slog.String("reason", w.reason),
			slog.Duration("after", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		metrics.RecordWatchRestart()
		wait = min(wait*2, w.maxWait)
	}
}
