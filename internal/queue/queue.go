package queue

import (
	"fmt"
	"sync"

	"github.com/gammazero/deque"

	"github.com/kon-rad/logship/internal/metrics"
	"github.com/kon-rad/logship/internal/record"
)

const (
	DefaultCapacity = 1000
	DefaultLowWater = 10
)

// Queue is a bounded double-ended buffer of pending records. Every structural
// change and the counter update that goes with it happen under one lock, so
// the counters never disagree with the queue contents.
type Queue struct {
	mu       sync.Mutex
	items    deque.Deque[record.Record]
	capacity int
	lowWater int
	counters *metrics.Counters
}

func New(capacity, lowWater int, counters *metrics.Counters) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", capacity)
	}
	if lowWater < 1 || lowWater > capacity {
		return nil, fmt.Errorf("queue: low water mark must be in [1, %d], got %d", capacity, lowWater)
	}
	if counters == nil {
		counters = metrics.NewCounters()
	}
	return &Queue{
		capacity: capacity,
		lowWater: lowWater,
		counters: counters,
	}, nil
}

// Push appends rec at the tail. When fewer than lowWater slots remain the head
// is evicted first and returned so the caller can hand it to the overflow
// path; it is already counted as dropped.
func (q *Queue) Push(rec record.Record) (evicted record.Record, didEvict bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delta := metrics.Snapshot{Received: 1}
	if q.capacity-q.items.Len() < q.lowWater && q.items.Len() > 0 {
		evicted = q.items.PopFront()
		didEvict = true
		delta.Processed++
		delta.Dropped++
	}
	q.items.PushBack(rec)
	q.counters.Apply(delta)
	return evicted, didEvict
}

// TakeHead removes and returns the oldest record.
func (q *Queue) TakeHead() (record.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return record.Record{}, false
	}
	rec := q.items.PopFront()
	q.counters.AddProcessed(1)
	return rec, true
}

// RequeueHead puts rec back in front of everything else. Capacity is hard:
// nothing is evicted to make room, and false means the caller owns rec again.
func (q *Queue) RequeueHead(rec record.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.capacity {
		return false
	}
	q.items.PushFront(rec)
	q.counters.AddProcessed(-1)
	return true
}

// DrainAll empties the queue, counting every record as taken and dropped.
func (q *Queue) DrainAll() []record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Len()
	if n == 0 {
		return nil
	}
	out := make([]record.Record, 0, n)
	for q.items.Len() > 0 {
		out = append(out, q.items.PopFront())
	}
	q.counters.Apply(metrics.Snapshot{Processed: int64(n), Dropped: int64(n)})
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) Cap() int {
	return q.capacity
}

func (q *Queue) Counters() *metrics.Counters {
	return q.counters
}
