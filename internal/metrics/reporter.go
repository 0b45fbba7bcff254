package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Reporter logs a counter snapshot on a fixed interval, skipping intervals in
// which nothing changed.
type Reporter struct {
	interval time.Duration
	source   Source
	logger   *slog.Logger

	last *Snapshot
}

func NewReporter(interval time.Duration, source Source, logger *slog.Logger) *Reporter {
	return &Reporter{
		interval: interval,
		source:   source,
		logger:   logger,
	}
}

func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() bool {
	snap := r.source.Snapshot()
	if r.last != nil && *r.last == snap {
		return false
	}
	r.last = &snap
	r.logger.Info("shipper metrics",
		"received", snap.Received,
		"processed", snap.Processed,
		"succeeded", snap.Succeeded,
		"dropped", snap.Dropped,
		"queue_depth", r.source.QueueDepth(),
		"retry_count", r.source.RetryCount(),
	)
	return true
}
