// Package worker implements the per-goroutine job loop of a worker pool.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/metrics"
)

// Handler processes one job. Returning stop ends the worker without pulling further jobs.
type Handler interface {
	Handle(ctx context.Context, item crawler.QueueItem) (stop bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item crawler.QueueItem) bool

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item crawler.QueueItem) bool {
	return f(ctx, item)
}

// Worker consumes queue items and hands them to its handler.
type Worker struct {
	id      int
	queue   crawler.Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker. id is used for logging only.
func New(id int, queue crawler.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		handler: handler,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks until the queue is closed and drained, the context ends, or the handler asks
// to stop. It returns the number of jobs handled.
func (w *Worker) Run(ctx context.Context) int {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.logger.Debug("worker started")

	handled := 0
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Error("queue dequeue failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			w.logger.Debug("worker finished", zap.Int("handled", handled))
			return handled
		}
		handled++
		if stop := w.handler.Handle(ctx, item); stop {
			w.logger.Debug("worker stopped by handler", zap.String("document_id", item.DocumentID))
			return handled
		}
	}
}
