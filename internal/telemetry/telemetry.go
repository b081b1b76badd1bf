// Package telemetry provides fire-and-forget counters for crash-report
// outcomes. The Sink port is implemented by a Prometheus collector (live
// scraping), a SQLite-persisted manager (totals that survive restarts), and a
// Fanout combining them. Emission never blocks and never fails the caller.
package telemetry

// Counter names used by the application.
const (
	CounterReportsFiled     = "crash_reports_filed_total"
	CounterReportsUploaded  = "crash_reports_uploaded_total"
	CounterReportsArchived  = "crash_reports_archived_total"
	CounterReportsDeleted   = "crash_reports_deleted_total"
	CounterReportsDropped   = "crash_reports_dropped_total"
	CounterReportsThrottled = "crash_reports_throttled_total"
	CounterReportsGarbage   = "crash_reports_garbage_collected_total"
	CounterSnapshotsTaken   = "crash_snapshots_taken_total"
	CounterSnapshotsGarbage = "crash_snapshots_garbage_collected_total"
)

// Summary names.
const (
	SummaryUploadAttempts = "crash_upload_attempts"
)

// Sink accepts counter increments and summary observations. Implementations
// must be safe for concurrent use and must not block.
type Sink interface {
	// Inc increments the named counter by delta (>=1).
	Inc(name string, delta int64)
	// Observe records one summary observation.
	Observe(name string, value int64)
}

// Nop discards all events. Useful as a default and in tests.
type Nop struct{}

func (Nop) Inc(string, int64)     {}
func (Nop) Observe(string, int64) {}

// Fanout forwards every event to all member sinks.
type Fanout []Sink

func (f Fanout) Inc(name string, delta int64) {
	for _, s := range f {
		s.Inc(name, delta)
	}
}

func (f Fanout) Observe(name string, value int64) {
	for _, s := range f {
		s.Observe(name, value)
	}
}
