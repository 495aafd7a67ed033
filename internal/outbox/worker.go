package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/znz-systems/mailpost/internal/metrics"
	"github.com/znz-systems/mailpost/internal/store"
)

type WorkerOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Worker drains the outbox on a fixed interval. Before every pass it returns
// rows stuck in 'sending' (left behind by a crashed pass) to the queue.
type Worker struct {
	outbox     store.OutboxStore
	dispatcher *Dispatcher
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewWorker(outbox store.OutboxStore, dispatcher *Dispatcher, opts WorkerOptions) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Worker{
		outbox:     outbox,
		dispatcher: dispatcher,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		full, err := w.runOnce(ctx)
		if err != nil {
			slog.Error("outbox worker cycle failed", "error", err)
		}
		// A full batch suggests more rows are waiting.
		if full {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOnce reports whether the pass claimed a full batch.
func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	n, err := w.outbox.RequeueStaleOutboxItems(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		slog.Error("failed to requeue stale outbox items", "error", err)
	} else if n > 0 {
		metrics.RecordStaleRequeued(n)
		slog.Warn("requeued stale outbox items", "count", n)
	}

	result, err := w.dispatcher.Drain(ctx, DrainRequest{})
	if err != nil {
		return false, err
	}
	return result.Processed >= w.dispatcher.batchSize, nil
}
