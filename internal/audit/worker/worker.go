package worker

import (
	"context"
	"log/slog"

	"carfengine/internal/audit"
	"carfengine/internal/platform/metrics"
)

// Worker drains forwarded audit entries into an external Sink. The primary
// store stays the source of truth, so a failed publish is logged and counted
// but does not stop the worker.
type Worker struct {
	sink    audit.Sink
	inbox   <-chan audit.Entry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Worker.
type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func NewWorker(sink audit.Sink, inbox <-chan audit.Entry, opts ...Option) *Worker {
	w := &Worker{sink: sink, inbox: inbox}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run forwards entries until ctx is done or the inbox is closed. After the
// inbox closes, everything already queued has been published.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.inbox:
			if !ok {
				return nil
			}
			w.publish(ctx, entry)
		}
	}
}

func (w *Worker) publish(ctx context.Context, entry audit.Entry) {
	if err := w.sink.Publish(ctx, entry); err != nil {
		w.metrics.IncAuditForwardFailures()
		if w.logger != nil {
			w.logger.ErrorContext(ctx, "failed to forward audit entry",
				"seq", entry.Sequence,
				"kind", string(entry.Kind),
				"error", err,
			)
		}
	}
}
