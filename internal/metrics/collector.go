package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source is what the collector reads at scrape time.
type Source interface {
	Snapshot() Snapshot
	QueueDepth() int
	RetryCount() int
}

// Collector exposes a shipper's counters to Prometheus. Values are read from
// the Source on every scrape so there is no second set of books to keep in
// sync.
type Collector struct {
	source Source

	received  *prometheus.Desc
	processed *prometheus.Desc
	succeeded *prometheus.Desc
	dropped   *prometheus.Desc
	depth     *prometheus.Desc
	retries   *prometheus.Desc
}

func NewCollector(sink string, source Source) *Collector {
	labels := prometheus.Labels{"sink": sink}
	return &Collector{
		source: source,
		received: prometheus.NewDesc("logship_records_received_total",
			"Records accepted by Submit.", nil, labels),
		processed: prometheus.NewDesc("logship_records_processed",
			"Records taken off the queue and not put back for retry.", nil, labels),
		succeeded: prometheus.NewDesc("logship_records_succeeded_total",
			"Records acknowledged by the sink.", nil, labels),
		dropped: prometheus.NewDesc("logship_records_dropped_total",
			"Records permanently removed from the pipeline.", nil, labels),
		depth: prometheus.NewDesc("logship_queue_depth",
			"Records currently waiting in the delivery queue.", nil, labels),
		retries: prometheus.NewDesc("logship_retry_count",
			"Consecutive failed sends since the last success.", nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.received
	ch <- c.processed
	ch <- c.succeeded
	ch <- c.dropped
	ch <- c.depth
	ch <- c.retries
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(snap.Received))
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.GaugeValue, float64(snap.Processed))
	ch <- prometheus.MustNewConstMetric(c.succeeded, prometheus.CounterValue, float64(snap.Succeeded))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.Dropped))
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.source.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.GaugeValue, float64(c.source.RetryCount()))
}

var _ prometheus.Collector = (*Collector)(nil)
