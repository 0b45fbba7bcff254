package overflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/logship/internal/record"
)

const (
	DefaultBufferSize = 512
	MaxBatchSize      = 50
	FlushWindow       = 500 * time.Millisecond
)

type batchInserter interface {
	InsertBatch(ctx context.Context, entries []Entry) error
}

// Writer buffers dropped payloads in memory and writes them to the store in
// batches from Run. LogOverflow never blocks: when the buffer is full the
// payload is counted as lost.
type Writer struct {
	logger  *slog.Logger
	store   batchInserter
	entries chan Entry
	now     func() time.Time

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	lost    atomic.Int64
}

func NewWriter(logger *slog.Logger, store batchInserter, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Writer{
		logger:  logger,
		store:   store,
		entries: make(chan Entry, bufferSize),
		now:     time.Now,
	}
}

func (w *Writer) LogOverflow(payload string) {
	w.enqueue(Entry{Payload: payload})
}

func (w *Writer) LogOverflowRecord(rec record.Record, payload string) {
	w.enqueue(Entry{
		RecordID:    rec.TransactionID,
		Application: rec.Application,
		Payload:     payload,
	})
}

func (w *Writer) enqueue(e Entry) {
	if e.CreatedAt == 0 {
		e.CreatedAt = w.now().UnixMilli()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || !TryEnqueue(w.entries, e) {
		w.lost.Add(1)
		w.logger.Warn("overflow buffer unavailable, payload lost", "record_id", e.RecordID)
	}
}

// Close stops accepting payloads. Run flushes what is buffered and returns.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.entries)
}

func (w *Writer) Written() int64 {
	return w.written.Load()
}

func (w *Writer) Lost() int64 {
	return w.lost.Load()
}

func (w *Writer) Run() error {
	ticker := time.NewTicker(FlushWindow)
	defer ticker.Stop()

	buffer := make([]Entry, 0, MaxBatchSize)

	flush := func(batch []Entry) error {
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			if batch[i].RecordID == "" {
				batch[i].RecordID = uuid.NewString()
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.store.InsertBatch(ctx, batch); err != nil {
			w.lost.Add(int64(len(batch)))
			return fmt.Errorf("insert overflow batch: %w", err)
		}
		w.written.Add(int64(len(batch)))
		return nil
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				return flush(buffer)
			}
			buffer = append(buffer, e)
			if len(buffer) >= MaxBatchSize {
				if err := flush(buffer); err != nil {
					w.logger.Error("overflow flush failed", "error", err)
				}
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) == 0 {
				continue
			}
			if err := flush(buffer); err != nil {
				w.logger.Error("overflow timed flush failed", "error", err)
			}
			buffer = buffer[:0]
		}
	}
}

func TryEnqueue(ch chan<- Entry, e Entry) bool {
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}
