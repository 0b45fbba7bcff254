package metrics

import "sync"

// Snapshot is a point-in-time read of the delivery counters.
type Snapshot struct {
	Received  int64 `json:"received"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Dropped   int64 `json:"dropped"`
}

// Counters tracks records through the pipeline. Processed is incremented when
// a record leaves the queue and decremented when it is put back for a retry.
type Counters struct {
	mu        sync.Mutex
	received  int64
	processed int64
	succeeded int64
	dropped   int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) AddReceived(delta int64) {
	c.mu.Lock()
	c.received += delta
	c.mu.Unlock()
}

func (c *Counters) AddProcessed(delta int64) {
	c.mu.Lock()
	c.processed += delta
	c.mu.Unlock()
}

func (c *Counters) AddSucceeded(delta int64) {
	c.mu.Lock()
	c.succeeded += delta
	c.mu.Unlock()
}

func (c *Counters) AddDropped(delta int64) {
	c.mu.Lock()
	c.dropped += delta
	c.mu.Unlock()
}

// Apply adds all four deltas under a single lock acquisition.
func (c *Counters) Apply(d Snapshot) {
	c.mu.Lock()
	c.received += d.Received
	c.processed += d.Processed
	c.succeeded += d.Succeeded
	c.dropped += d.Dropped
	c.mu.Unlock()
}

func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Received:  c.received,
		Processed: c.processed,
		Succeeded: c.succeeded,
		Dropped:   c.dropped,
	}
}
