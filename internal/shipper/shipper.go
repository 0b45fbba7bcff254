package shipper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kon-rad/logship/internal/metrics"
	"github.com/kon-rad/logship/internal/queue"
	"github.com/kon-rad/logship/internal/record"
	"github.com/kon-rad/logship/internal/sink"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client makes one delivery attempt per Send. Encode is used on the drop path
// to render records for the overflow logger.
type Client interface {
	Send(ctx context.Context, rec record.Record) sink.Outcome
	Encode(rec record.Record) ([]byte, error)
}

// OverflowLogger receives the encoded form of every dropped record. It is
// called from submitters as well as the worker and must not block.
type OverflowLogger interface {
	LogOverflow(payload string)
}

// RecordOverflowLogger is an OverflowLogger that also wants to know which
// record a payload belongs to. The shipper prefers it when available.
type RecordOverflowLogger interface {
	LogOverflowRecord(rec record.Record, payload string)
}

type OverflowFunc func(payload string)

func (f OverflowFunc) LogOverflow(payload string) { f(payload) }

type Option func(*Shipper)

func WithOverflow(o OverflowLogger) Option {
	return func(s *Shipper) { s.overflow = o }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Shipper) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Shipper) { s.logger = l }
}

func WithCounters(c *metrics.Counters) Option {
	return func(s *Shipper) { s.counters = c }
}

// Shipper moves submitted records to a sink from a single background worker.
// Submit never blocks; failed sends are retried from the head of the queue a
// bounded number of times and everything that cannot be delivered goes to the
// overflow logger.
type Shipper struct {
	cfg      Config
	client   Client
	overflow OverflowLogger
	clock    clockwork.Clock
	logger   *slog.Logger
	counters *metrics.Counters
	queue    *queue.Queue

	lifecycle sync.Mutex
	state     atomic.Int32
	stopCh    chan struct{}
	done      chan struct{}

	// retry is only written by the worker.
	retry atomic.Int64

	// sendMu is held for every send so the sink sees one request at a time,
	// including replays run through RunIfIdle.
	sendMu sync.Mutex

	sendCount atomic.Int64
	sendNanos atomic.Int64
}

func New(cfg Config, client Client, opts ...Option) (*Shipper, error) {
	if client == nil {
		return nil, fmt.Errorf("shipper: client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("shipper: invalid config: %w", err)
	}
	s := &Shipper{
		cfg:    cfg,
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.counters == nil {
		s.counters = metrics.NewCounters()
	}
	q, err := queue.New(cfg.Capacity, cfg.LowWater, s.counters)
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}
	s.queue = q
	return s, nil
}

// Submit hands rec to the shipper. It never blocks and never fails; records
// that cannot be kept are counted as dropped and passed to the overflow logger.
func (s *Shipper) Submit(rec record.Record) {
	if s.cfg.RejectOversized && rec.HasOversizedField(s.cfg.MaxFieldBytes) {
		s.counters.Apply(metrics.Snapshot{Received: 1, Processed: 1, Dropped: 1})
		s.logger.Warn("oversized record rejected",
			"transaction_id", rec.TransactionID,
			"name", rec.Name,
			"max_field_bytes", s.cfg.MaxFieldBytes,
		)
		s.sendToOverflow(rec)
		return
	}

	evicted, ok := s.queue.Push(rec)
	if ok {
		s.logger.Debug("queue near capacity, evicted oldest record",
			"transaction_id", evicted.TransactionID,
			"depth", s.queue.Len(),
		)
		s.sendToOverflow(evicted)
	}
}

func (s *Shipper) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if State(s.state.Load()) == StateRunning {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.state.Store(int32(StateRunning))
	go s.run(s.stopCh, s.done)
	s.logger.Info("shipper started", "capacity", s.cfg.Capacity, "retry_max", s.cfg.RetryMax)
}

// Stop signals the worker, waits for any in-flight send to finish and then
// drops everything still queued through the overflow logger.
func (s *Shipper) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if State(s.state.Load()) == StateRunning {
		s.state.Store(int32(StateStopped))
		close(s.stopCh)
		<-s.done
	}

	drained := s.queue.DrainAll()
	for _, rec := range drained {
		s.sendToOverflow(rec)
	}
	if len(drained) > 0 {
		s.logger.Info("shipper stopped, dropped queued records", "count", len(drained))
	}
}

func (s *Shipper) State() State {
	return State(s.state.Load())
}

func (s *Shipper) Snapshot() metrics.Snapshot {
	return s.counters.Snapshot()
}

func (s *Shipper) QueueDepth() int {
	return s.queue.Len()
}

func (s *Shipper) RetryCount() int {
	return int(s.retry.Load())
}

// AvgSendDuration is the mean duration of all completed send attempts.
func (s *Shipper) AvgSendDuration() time.Duration {
	n := s.sendCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.sendNanos.Load() / n)
}

// RunIfIdle runs fn in place of a send when the worker has nothing to send:
// no send in flight, an empty queue and no pending retry. The worker cannot
// start a send until fn returns. It reports whether fn ran.
func (s *Shipper) RunIfIdle(fn func()) bool {
	if !s.sendMu.TryLock() {
		return false
	}
	defer s.sendMu.Unlock()

	if s.queue.Len() > 0 || s.retry.Load() > 0 {
		return false
	}
	fn()
	return true
}

func (s *Shipper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		rec, ok := s.queue.TakeHead()
		if !ok {
			if !s.wait(stop, s.cfg.EmptyWait) {
				return
			}
			continue
		}

		out := s.deliver(rec)
		switch out.Kind {
		case sink.KindSuccess:
			s.counters.AddSucceeded(1)
			s.retry.Store(0)
			continue
		case sink.KindEmpty:
			s.drop(rec, "empty record", nil)
			continue
		}

		retry := s.retry.Load()
		if retry < int64(s.cfg.RetryMax) {
			s.retry.Store(retry + 1)
			if !s.queue.RequeueHead(rec) {
				s.drop(rec, "queue full on requeue", out.Err)
			} else {
				s.logger.Warn("sink send failed, will retry",
					"transaction_id", rec.TransactionID,
					"class", out.Class.String(),
					"retry", retry+1,
					"error", out.Err,
				)
			}
		} else {
			s.drop(rec, "retries exhausted", out.Err)
		}

		if !s.wait(stop, s.cfg.RetryWait) {
			return
		}
	}
}

func (s *Shipper) deliver(rec record.Record) (out sink.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = sink.Failure(sink.ClassUnclassified, fmt.Errorf("panic during send: %v", p))
		}
	}()

	ctx := context.Background()
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	started := s.clock.Now()
	out = s.client.Send(ctx, rec)
	elapsed := s.clock.Since(started)
	s.sendCount.Add(1)
	s.sendNanos.Add(int64(elapsed))
	s.logger.Debug("send attempt finished",
		"transaction_id", rec.TransactionID,
		"outcome", out.Kind.String(),
		"duration_ms", elapsed.Milliseconds(),
	)
	return out
}

func (s *Shipper) drop(rec record.Record, reason string, err error) {
	s.counters.AddDropped(1)
	s.logger.Warn("record dropped",
		"transaction_id", rec.TransactionID,
		"reason", reason,
		"retry", s.retry.Load(),
		"error", err,
	)
	s.sendToOverflow(rec)
}

// sendToOverflow encodes rec for the overflow logger. Counting is the
// caller's job; failures here are logged and otherwise ignored.
func (s *Shipper) sendToOverflow(rec record.Record) {
	if s.overflow == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("overflow logger panicked", "transaction_id", rec.TransactionID, "panic", p)
		}
	}()

	payload, err := s.client.Encode(rec)
	if err != nil {
		s.logger.Warn("overflow encode failed", "transaction_id", rec.TransactionID, "error", err)
		return
	}
	if rl, ok := s.overflow.(RecordOverflowLogger); ok {
		rl.LogOverflowRecord(rec, string(payload))
		return
	}
	s.overflow.LogOverflow(string(payload))
}

// wait blocks for d or until stop is closed, reporting whether the worker
// should keep going.
func (s *Shipper) wait(stop <-chan struct{}, d time.Duration) bool {
	t := s.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-stop:
		return false
	case <-t.Chan():
		return true
	}
}
