package shipper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kon-rad/logship/internal/metrics"
	"github.com/kon-rad/logship/internal/record"
	"github.com/kon-rad/logship/internal/sink"
)

var errUnavailable = errors.New("sink unavailable")

type fakeClient struct {
	mu       sync.Mutex
	script   []sink.Outcome
	fallback sink.Outcome
	sent     []string
	release  chan struct{}
	inFlight chan struct{}
}

func (f *fakeClient) Send(_ context.Context, rec record.Record) sink.Outcome {
	if f.inFlight != nil {
		f.inFlight <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, rec.Name)
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		return out
	}
	return f.fallback
}

func (f *fakeClient) Encode(rec record.Record) ([]byte, error) {
	return []byte(rec.Name), nil
}

func (f *fakeClient) sentNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type overflowRecorder struct {
	mu       sync.Mutex
	payloads []string
}

func (o *overflowRecorder) LogOverflow(payload string) {
	o.mu.Lock()
	o.payloads = append(o.payloads, payload)
	o.mu.Unlock()
}

func (o *overflowRecorder) got() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.payloads...)
}

func failing() sink.Outcome {
	return sink.Failure(sink.ClassRetriable, errUnavailable)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Capacity = 5
	cfg.LowWater = 2
	cfg.RetryMax = 3
	return cfg
}

func newTestShipper(t *testing.T, cfg Config, client *fakeClient) (*Shipper, *clockwork.FakeClock, *overflowRecorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	overflow := &overflowRecorder{}
	s, err := New(cfg, client,
		WithClock(clock),
		WithOverflow(overflow),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, clock, overflow
}

func rec(n int) record.Record {
	return record.New("test", "r"+strconv.Itoa(n))
}

func waitForTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("worker never started waiting: %v", err)
	}
}

func assertBalanced(t *testing.T, s *Shipper) {
	t.Helper()
	snap := s.Snapshot()
	depth := int64(s.QueueDepth())
	if snap.Received != snap.Succeeded+snap.Dropped+depth {
		t.Fatalf("received %d != succeeded %d + dropped %d + depth %d", snap.Received, snap.Succeeded, snap.Dropped, depth)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	cases := map[string]func(*Config){
		"zero capacity":       func(c *Config) { c.Capacity = 0 },
		"low water above cap": func(c *Config) { c.LowWater = c.Capacity + 1 },
		"zero low water":      func(c *Config) { c.LowWater = 0 },
		"negative retry max":  func(c *Config) { c.RetryMax = -1 },
		"zero retry wait":     func(c *Config) { c.RetryWait = 0 },
		"zero empty wait":     func(c *Config) { c.EmptyWait = 0 },
		"negative timeout":    func(c *Config) { c.SendTimeout = -time.Second },
		"oversize without max": func(c *Config) {
			c.RejectOversized = true
			c.MaxFieldBytes = 0
		},
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: Validate() returned nil", name)
		}
	}
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Fatalf("New() with nil client returned nil error")
	}
}

func TestSubmitNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	s, _, overflow := newTestShipper(t, testConfig(), &fakeClient{})
	for i := 0; i < 20; i++ {
		s.Submit(rec(i))
		if depth := s.QueueDepth(); depth > 5 {
			t.Fatalf("depth after submit %d = %d, want <= 5", i, depth)
		}
	}
	// Evictions start once fewer than two slots are free.
	if got := len(overflow.got()); got != 16 {
		t.Fatalf("evicted = %d, want 16", got)
	}
	if got := overflow.got()[0]; got != "r0" {
		t.Fatalf("first evicted = %q, want r0", got)
	}
	snap := s.Snapshot()
	if snap.Received != 20 || snap.Dropped != 16 {
		t.Fatalf("snapshot = %+v, want received 20 dropped 16", snap)
	}
	assertBalanced(t, s)
}

func TestSuccessfulSendsDrainInOrder(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	s, clock, overflow := newTestShipper(t, testConfig(), client)
	for i := 0; i < 3; i++ {
		s.Submit(rec(i))
	}
	s.Start()
	if s.State() != StateRunning {
		t.Fatalf("State() = %s, want RUNNING", s.State())
	}

	// Successes never wait, so the only timer is the idle poll.
	waitForTimer(t, clock)
	if got, want := client.sentNames(), []string{"r0", "r1", "r2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	snap := s.Snapshot()
	if snap.Succeeded != 3 || snap.Processed != 3 || snap.Dropped != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(overflow.got()) != 0 {
		t.Fatalf("overflow should be empty")
	}

	s.Submit(rec(3))
	clock.Advance(time.Second)
	waitForTimer(t, clock)
	if got := client.sentNames(); len(got) != 4 || got[3] != "r3" {
		t.Fatalf("sent = %v, want r3 after idle poll", got)
	}
	assertBalanced(t, s)
}

func TestFailedRecordIsRetriedFromHead(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	client := &fakeClient{script: []sink.Outcome{failing()}}
	s, clock, _ := newTestShipper(t, cfg, client)
	s.Submit(rec(0))
	s.Submit(rec(1))
	s.Start()

	waitForTimer(t, clock)
	if s.RetryCount() != 1 {
		t.Fatalf("RetryCount() = %d, want 1", s.RetryCount())
	}
	if s.QueueDepth() != 2 {
		t.Fatalf("QueueDepth() = %d, want 2", s.QueueDepth())
	}
	if snap := s.Snapshot(); snap.Processed != 0 {
		t.Fatalf("processed = %d, want 0 after requeue", snap.Processed)
	}

	// Nothing is sent again until the retry wait elapses.
	clock.Advance(cfg.RetryWait - time.Millisecond)
	if got := len(client.sentNames()); got != 1 {
		t.Fatalf("sent %d times before retry wait elapsed", got)
	}
	clock.Advance(time.Millisecond)
	waitForTimer(t, clock)

	if got, want := client.sentNames(), []string{"r0", "r0", "r1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if s.RetryCount() != 0 {
		t.Fatalf("RetryCount() = %d, want 0 after success", s.RetryCount())
	}
	assertBalanced(t, s)
}

func TestSuccessResetsRetryCounter(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	client := &fakeClient{script: []sink.Outcome{failing(), sink.Success(), failing()}}
	s, clock, _ := newTestShipper(t, cfg, client)
	s.Submit(rec(0))
	s.Submit(rec(1))
	s.Start()

	waitForTimer(t, clock)
	if s.RetryCount() != 1 {
		t.Fatalf("RetryCount() = %d, want 1", s.RetryCount())
	}
	clock.Advance(cfg.RetryWait)
	waitForTimer(t, clock)

	// r0 succeeded, then r1 failed against a counter that had been reset.
	if s.RetryCount() != 1 {
		t.Fatalf("RetryCount() = %d, want 1", s.RetryCount())
	}
	snap := s.Snapshot()
	if snap.Succeeded != 1 || snap.Dropped != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want r1 requeued", s.QueueDepth())
	}
	assertBalanced(t, s)
}

func TestSaturatedCounterDropsWithoutRequeue(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryMax = 2
	client := &fakeClient{fallback: failing()}
	s, clock, overflow := newTestShipper(t, cfg, client)
	for i := 0; i < 4; i++ {
		s.Submit(rec(i))
	}
	s.Start()

	for i := 0; i < 4; i++ {
		waitForTimer(t, clock)
		clock.Advance(cfg.RetryWait)
	}
	waitForTimer(t, clock)

	if got, want := client.sentNames(), []string{"r0", "r0", "r0", "r1", "r2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if got, want := overflow.got(), []string{"r0", "r1", "r2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("overflow = %v, want %v", got, want)
	}
	snap := s.Snapshot()
	if snap.Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", snap.Dropped)
	}
	if s.RetryCount() != 2 {
		t.Fatalf("RetryCount() = %d, want it to stay at 2", s.RetryCount())
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1", s.QueueDepth())
	}
	assertBalanced(t, s)
}

func TestRetryCounterNotResetByQuietPeriod(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetryMax = 1
	client := &fakeClient{fallback: failing()}
	s, clock, _ := newTestShipper(t, cfg, client)
	s.Submit(rec(0))
	s.Start()

	waitForTimer(t, clock)
	clock.Advance(cfg.RetryWait)
	waitForTimer(t, clock)
	clock.Advance(cfg.RetryWait)

	// A long idle stretch does not re-arm fast retries.
	for i := 0; i < 10; i++ {
		waitForTimer(t, clock)
		clock.Advance(cfg.EmptyWait)
	}
	waitForTimer(t, clock)
	if s.RetryCount() != 1 {
		t.Fatalf("RetryCount() = %d after idle, want 1", s.RetryCount())
	}

	s.Submit(rec(1))
	clock.Advance(cfg.EmptyWait)
	waitForTimer(t, clock)

	if got, want := client.sentNames(), []string{"r0", "r0", "r1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if snap := s.Snapshot(); snap.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2 (r1 dropped on first failure)", snap.Dropped)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("QueueDepth() = %d, want 0", s.QueueDepth())
	}
	assertBalanced(t, s)
}

func TestEvictionWhileSinkFails(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fallback: failing()}
	s, clock, overflow := newTestShipper(t, testConfig(), client)
	for i := 0; i < 4; i++ {
		s.Submit(rec(i))
	}
	s.Start()
	waitForTimer(t, clock)

	s.Submit(rec(4))
	s.Submit(rec(5))

	if depth := s.QueueDepth(); depth > 5 {
		t.Fatalf("QueueDepth() = %d, want <= 5", depth)
	}
	if got, want := overflow.got(), []string{"r0", "r1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("evicted = %v, want %v", got, want)
	}
	assertBalanced(t, s)
}

func TestStopDrainsQueueThroughOverflow(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fallback: failing()}
	s, clock, overflow := newTestShipper(t, testConfig(), client)
	for i := 0; i < 3; i++ {
		s.Submit(rec(i))
	}
	s.Start()
	waitForTimer(t, clock)

	before := s.Snapshot().Dropped
	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("State() = %s, want STOPPED", s.State())
	}
	if got := s.Snapshot().Dropped - before; got != 3 {
		t.Fatalf("dropped delta = %d, want 3", got)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("QueueDepth() = %d, want 0", s.QueueDepth())
	}
	if got := len(overflow.got()); got != 3 {
		t.Fatalf("overflow got %d records, want 3", got)
	}

	s.Stop()
	if got := s.Snapshot().Dropped - before; got != 3 {
		t.Fatalf("second Stop changed dropped: delta = %d", got)
	}
	assertBalanced(t, s)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	s, clock, _ := newTestShipper(t, testConfig(), client)
	s.Start()
	s.Start()
	waitForTimer(t, clock)

	s.Submit(rec(0))
	clock.Advance(time.Second)
	waitForTimer(t, clock)
	if got := client.sentNames(); len(got) != 1 {
		t.Fatalf("sent = %v, want a single worker delivering once", got)
	}

	s.Stop()
	s.Start()
	if s.State() != StateRunning {
		t.Fatalf("State() = %s, want RUNNING after restart", s.State())
	}
}

func TestStopWaitsForInFlightSend(t *testing.T) {
	t.Parallel()

	client := &fakeClient{release: make(chan struct{}), inFlight: make(chan struct{}, 1)}
	s, _, _ := newTestShipper(t, testConfig(), client)
	s.Submit(rec(0))
	s.Start()
	<-client.inFlight

	// Submitters are never held up by the worker.
	for i := 1; i < 50; i++ {
		s.Submit(rec(i))
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(client.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return after the send completed")
	}
	if got := s.Snapshot().Succeeded; got != 1 {
		t.Fatalf("succeeded = %d, want 1", got)
	}
	assertBalanced(t, s)
}

func TestSendPanicIsTreatedAsFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	s, clock, _ := newTestShipper(t, cfg, &fakeClient{})
	s.client = panicClient{}
	s.Submit(rec(0))
	s.Start()

	waitForTimer(t, clock)
	if s.RetryCount() != 1 || s.QueueDepth() != 1 {
		t.Fatalf("RetryCount() = %d depth = %d, want the record requeued", s.RetryCount(), s.QueueDepth())
	}
}

type panicClient struct{}

func (panicClient) Send(context.Context, record.Record) sink.Outcome { panic("boom") }

func (panicClient) Encode(rec record.Record) ([]byte, error) { return []byte(rec.Name), nil }

func TestRejectOversized(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RejectOversized = true
	cfg.MaxFieldBytes = 8
	s, _, overflow := newTestShipper(t, cfg, &fakeClient{})

	big := record.New("test", "a-name-well-over-eight-bytes")
	s.Submit(big)
	s.Submit(rec(1))

	snap := s.Snapshot()
	if snap.Received != 2 || snap.Dropped != 1 || snap.Processed != 1 {
		t.Fatalf("snapshot = %+v, want received 2 dropped 1 processed 1", snap)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1", s.QueueDepth())
	}
	if got := overflow.got(); len(got) != 1 || got[0] != big.Name {
		t.Fatalf("overflow = %v", got)
	}
	assertBalanced(t, s)
}

func TestOverflowPanicIsSwallowed(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(), &fakeClient{},
		WithClock(clockwork.NewFakeClock()),
		WithOverflow(OverflowFunc(func(string) { panic("disk gone") })),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		s.Submit(rec(i))
	}
	if snap := s.Snapshot(); snap.Dropped != 6 {
		t.Fatalf("dropped = %d, want 6", snap.Dropped)
	}
}

func TestSharedCounters(t *testing.T) {
	t.Parallel()

	counters := metrics.NewCounters()
	s, err := New(testConfig(), &fakeClient{}, WithCounters(counters), WithClock(clockwork.NewFakeClock()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Submit(rec(0))
	if got := counters.Snapshot().Received; got != 1 {
		t.Fatalf("received = %d, want 1", got)
	}
}

func TestCountersBalanceUnderConcurrentLoad(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Capacity:  50,
		LowWater:  5,
		RetryMax:  2,
		RetryWait: time.Millisecond,
		EmptyWait: time.Millisecond,
	}
	outcomes := make([]sink.Outcome, 0, 300)
	for i := 0; i < 300; i++ {
		if i%3 == 0 {
			outcomes = append(outcomes, failing())
		} else {
			outcomes = append(outcomes, sink.Success())
		}
	}
	client := &fakeClient{script: outcomes}
	overflow := &overflowRecorder{}
	s, err := New(cfg, client,
		WithOverflow(overflow),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Start()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Submit(rec(g*100 + i))
			}
		}(g)
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	snap := s.Snapshot()
	if snap.Received != 200 {
		t.Fatalf("received = %d, want 200", snap.Received)
	}
	if s.QueueDepth() != 0 {
		t.Fatalf("QueueDepth() = %d, want 0", s.QueueDepth())
	}
	if snap.Received != snap.Succeeded+snap.Dropped {
		t.Fatalf("received %d != succeeded %d + dropped %d", snap.Received, snap.Succeeded, snap.Dropped)
	}
	if int64(len(overflow.got())) != snap.Dropped {
		t.Fatalf("overflow got %d, dropped = %d", len(overflow.got()), snap.Dropped)
	}
}

func TestAvgSendDuration(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestShipper(t, testConfig(), &fakeClient{})
	if s.AvgSendDuration() != 0 {
		t.Fatalf("AvgSendDuration() before any send = %s", s.AvgSendDuration())
	}
	s.sendCount.Store(4)
	s.sendNanos.Store(int64(400 * time.Millisecond))
	if got := s.AvgSendDuration(); got != 100*time.Millisecond {
		t.Fatalf("AvgSendDuration() = %s, want 100ms", got)
	}
}

func TestEmptyRecordIsDroppedThroughOverflow(t *testing.T) {
	t.Parallel()

	client := &fakeClient{script: []sink.Outcome{sink.Empty()}}
	s, clock, overflow := newTestShipper(t, testConfig(), client)
	s.Submit(record.Record{})
	s.Start()

	waitForTimer(t, clock)
	if snap := s.Snapshot(); snap.Dropped != 1 || snap.Succeeded != 0 {
		t.Fatalf("snapshot = %+v, want 1 dropped", snap)
	}
	if got := overflow.got(); len(got) != 1 {
		t.Fatalf("overflow = %v, want the empty record", got)
	}
	assertBalanced(t, s)
}

func TestRunIfIdleWhenNothingToSend(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestShipper(t, testConfig(), &fakeClient{})
	ran := false
	if !s.RunIfIdle(func() { ran = true }) || !ran {
		t.Fatalf("RunIfIdle() did not run on an idle shipper")
	}

	s.Submit(rec(0))
	if s.RunIfIdle(func() { t.Errorf("ran with a queued record") }) {
		t.Fatalf("RunIfIdle() = true with a queued record")
	}
}

func TestRunIfIdleRefusedDuringSend(t *testing.T) {
	t.Parallel()

	client := &fakeClient{release: make(chan struct{}), inFlight: make(chan struct{}, 1)}
	s, clock, _ := newTestShipper(t, testConfig(), client)
	s.Submit(rec(0))
	s.Start()
	<-client.inFlight

	// The queue is empty and no retry is pending, but a send is in flight.
	if s.QueueDepth() != 0 || s.RetryCount() != 0 {
		t.Fatalf("depth = %d retry = %d, want 0 and 0", s.QueueDepth(), s.RetryCount())
	}
	if s.RunIfIdle(func() { t.Errorf("ran while a send was in flight") }) {
		t.Fatalf("RunIfIdle() = true while a send was in flight")
	}

	close(client.release)
	waitForTimer(t, clock)
	if !s.RunIfIdle(func() {}) {
		t.Fatalf("RunIfIdle() = false after the send completed")
	}
}

func TestSendWaitsForRunIfIdle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{inFlight: make(chan struct{}, 1)}
	s, _, _ := newTestShipper(t, testConfig(), client)

	entered := make(chan struct{})
	leave := make(chan struct{})
	done := make(chan bool)
	go func() {
		done <- s.RunIfIdle(func() {
			close(entered)
			<-leave
		})
	}()
	<-entered

	s.Submit(rec(0))
	s.Start()
	select {
	case <-client.inFlight:
		t.Fatalf("send started while RunIfIdle held the sink")
	case <-time.After(50 * time.Millisecond):
	}

	close(leave)
	if !<-done {
		t.Fatalf("RunIfIdle() = false, want true")
	}
	select {
	case <-client.inFlight:
	case <-time.After(5 * time.Second):
		t.Fatalf("send never started after RunIfIdle returned")
	}
}
