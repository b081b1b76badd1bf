package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements Sink on a private Prometheus registry so the process
// does not leak default-registry state into tests or embedders.
type Collector struct {
	registry  *prometheus.Registry
	counters  map[string]prometheus.Counter
	summaries map[string]prometheus.Summary
}

// NewCollector builds a Collector with every known counter and summary
// pre-registered. Unknown names passed to Inc/Observe are dropped.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry:  reg,
		counters:  make(map[string]prometheus.Counter),
		summaries: make(map[string]prometheus.Summary),
	}
	counterHelp := map[string]string{
		CounterReportsFiled:     "Reports accepted into the queue.",
		CounterReportsUploaded:  "Reports delivered to the collector.",
		CounterReportsArchived:  "Reports archived on disk without upload.",
		CounterReportsDeleted:   "Reports deleted under the delete policy.",
		CounterReportsDropped:   "Reports rejected or lost before retirement.",
		CounterReportsThrottled: "Reports refused by the collector, not retried.",
		CounterReportsGarbage:   "Reports evicted by store garbage collection.",
		CounterSnapshotsTaken:   "Snapshot captures completed.",
		CounterSnapshotsGarbage: "Snapshot archives evicted under the size budget.",
	}
	for name, help := range counterHelp {
		c.counters[name] = factory.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	c.summaries[SummaryUploadAttempts] = factory.NewSummary(prometheus.SummaryOpts{
		Name: SummaryUploadAttempts,
		Help: "Upload attempts needed to retire a report.",
	})
	return c
}

// Inc increments the named counter.
func (c *Collector) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	if ctr, ok := c.counters[name]; ok {
		ctr.Add(float64(delta))
	}
}

// Observe records one summary observation.
func (c *Collector) Observe(name string, value int64) {
	if s, ok := c.summaries[name]; ok {
		s.Observe(float64(value))
	}
}

// Registry exposes the private registry for test assertions.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns the /metrics scrape handler for the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
