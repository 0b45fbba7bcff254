package overflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kon-rad/logship/internal/record"
	"github.com/kon-rad/logship/internal/sink"
)

type pendingSource interface {
	FetchPending(ctx context.Context, limit int) ([]StoredEntry, error)
	MarkReplayed(ctx context.Context, ids []int64, replayedAt int64) error
}

type ReplayResult struct {
	Replayed int
	Pending  int
}

// Gate lets replay share the sink with live traffic. RunIfIdle runs fn only
// when no live send is in flight or waiting, and keeps live sends out until fn
// returns. It reports whether fn ran.
type Gate interface {
	RunIfIdle(fn func()) bool
}

type openGate struct{}

func (openGate) RunIfIdle(fn func()) bool {
	fn()
	return true
}

// Replayer sends stored payloads back to the sink once it is reachable again.
// It stops at the first failed transmit and leaves the rest for the next pass.
type Replayer struct {
	src         pendingSource
	transmitter sink.Transmitter
	batchSize   int
	gate        Gate
	logger      *slog.Logger
	now         func() time.Time
}

// NewReplayer builds a replayer. Every transmit goes through gate; a nil gate
// never holds replay back.
func NewReplayer(src pendingSource, transmitter sink.Transmitter, batchSize int, gate Gate, logger *slog.Logger) *Replayer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if gate == nil {
		gate = openGate{}
	}
	return &Replayer{
		src:         src,
		transmitter: transmitter,
		batchSize:   batchSize,
		gate:        gate,
		logger:      logger,
		now:         time.Now,
	}
}

var ErrNotReady = errors.New("overflow replay: sink busy")

func (r *Replayer) ReplayOnce(ctx context.Context) (ReplayResult, error) {
	pending, err := r.src.FetchPending(ctx, r.batchSize)
	if err != nil {
		return ReplayResult{}, err
	}
	res := ReplayResult{Pending: len(pending)}
	if len(pending) == 0 {
		return res, nil
	}

	done := make([]int64, 0, len(pending))
	var sendErr error
	for _, e := range pending {
		rec := record.Record{Application: e.Application, TransactionID: e.RecordID}
		var err error
		ran := r.gate.RunIfIdle(func() {
			err = r.transmitter.Transmit(ctx, rec, []byte(e.Payload))
		})
		if !ran {
			if len(done) == 0 {
				return res, ErrNotReady
			}
			break
		}
		if err != nil {
			sendErr = fmt.Errorf("replay %s: %w", e.RecordID, err)
			break
		}
		done = append(done, e.ID)
	}

	if err := r.src.MarkReplayed(ctx, done, r.now().UnixMilli()); err != nil {
		return res, errors.Join(sendErr, err)
	}
	res.Replayed = len(done)
	res.Pending -= len(done)
	return res, sendErr
}

// Run replays every interval until ctx is done.
func (r *Replayer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			res, err := r.ReplayOnce(passCtx)
			cancel()
			switch {
			case errors.Is(err, ErrNotReady):
				r.logger.Debug("overflow replay skipped, shipper busy")
			case err != nil:
				r.logger.Warn("overflow replay failed", "replayed", res.Replayed, "error", err)
			case res.Replayed > 0:
				r.logger.Info("overflow replay completed", "replayed", res.Replayed)
			}
		}
	}
}
