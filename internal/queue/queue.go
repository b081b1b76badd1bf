package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/telemetry"
)

// Annotation marking the periodic synthetic report the queue files itself.
const (
	hourlyProgramName     = "system"
	annotationCrashType   = "crash.type"
	crashTypeHourlyReport = "hourly"
)

// Config holds the queue's tunables.
type Config struct {
	// RetryInterval is how often blocked reports are moved back to ready.
	RetryInterval time.Duration
	// HourlyInterval schedules the periodic synthetic report; 0 disables it.
	HourlyInterval time.Duration
	// UploadTimeout bounds one transport call.
	UploadTimeout time.Duration
	// SnapshotTimeout is handed to the snapshot manager per filed report.
	SnapshotTimeout time.Duration
	Logger          *slog.Logger
	Sink            telemetry.Sink
}

// PendingReport is the queue's bookkeeping for one not-yet-retired report.
// The payload itself stays in the report store except during an upload
// attempt.
type PendingReport struct {
	ID             domain.ReportID
	SnapshotUUID   string
	IsHourly       bool
	UploadAttempts uint
}

// Queue decides per report whether to upload, archive, or delete, retries
// failed uploads, and reacts to policy and reachability changes. All state is
// owned by a single run loop; external calls post commands into its mailbox,
// so no report is ever touched from two goroutines at once. At most one
// report is actively uploading at any time; the transport call itself runs on
// its own goroutine so a slow upload never stalls ingestion.
type Queue struct {
	log       *slog.Logger
	sink      telemetry.Sink
	store     ReportStore
	snapshots SnapshotResolver
	uploader  Uploader
	cfg       Config

	cmds   chan func()
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	// policyMirror lets the filing path read the policy without entering the
	// loop.
	policyMirror atomic.Int32

	// Loop-owned state. active, ready, and blocked are disjoint; their union
	// is the set of not-yet-retired reports.
	policy        domain.ReportingPolicy
	active        *PendingReport
	ready         []*PendingReport
	blocked       []*PendingReport
	hourlyPending bool
}

// New constructs a stopped Queue; call Start to begin processing.
func New(store ReportStore, snapshots SnapshotResolver, uploader Uploader, cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 15 * time.Minute
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = time.Minute
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 2 * time.Minute
	}
	return &Queue{
		log:       cfg.Logger.With("domain", "queue"),
		sink:      cfg.Sink,
		store:     store,
		snapshots: snapshots,
		uploader:  uploader,
		cfg:       cfg,
		cmds:      make(chan func(), 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the run loop and re-enqueues reports left in the store by a
// previous run.
func (q *Queue) Start() {
	go q.run()
	for _, id := range q.store.Reports() {
		r, err := q.store.Get(id)
		if err != nil {
			q.log.Warn("skipping unreadable leftover report", "id", id, "err", err)
			continue
		}
		pr := &PendingReport{ID: id, SnapshotUUID: r.SnapshotUUID, IsHourly: isHourly(r)}
		q.post(func() { q.enqueue(pr) })
	}
}

// Stop terminates the run loop. An in-flight upload runs to completion or
// failure on its own goroutine; its result is discarded.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stopCh)
		<-q.doneCh
	})
}

// Add validates and files a report. Malformed reports are rejected
// synchronously; everything afterwards (snapshot resolution, persistence,
// upload) is asynchronous and invisible to the producer.
func (q *Queue) Add(r *domain.Report) error {
	if err := r.Validate(); err != nil {
		q.sink.Inc(telemetry.CounterReportsDropped, 1)
		return err
	}
	go q.file(r, isHourly(r))
	return nil
}

// WatchReportingPolicy subscribes the queue to src.
func (q *Queue) WatchReportingPolicy(src PolicySource) {
	src.Watch(func(p domain.ReportingPolicy) {
		q.post(func() { q.setPolicy(p) })
	})
}

// WatchNetwork retries blocked reports as soon as connectivity returns.
func (q *Queue) WatchNetwork(src NetworkWatcher) {
	src.Watch(func(reachable bool) {
		if reachable {
			q.post(func() { q.retryAll("network_reachable") })
		}
	})
}

// Pending returns the number of not-yet-retired reports.
func (q *Queue) Pending() int {
	n := make(chan int, 1)
	q.post(func() {
		total := len(q.ready) + len(q.blocked)
		if q.active != nil {
			total++
		}
		n <- total
	})
	select {
	case v := <-n:
		return v
	case <-q.stopCh:
		return 0
	}
}

func (q *Queue) run() {
	defer close(q.doneCh)
	retry := time.NewTicker(q.cfg.RetryInterval)
	defer retry.Stop()
	var hourlyC <-chan time.Time
	if q.cfg.HourlyInterval > 0 {
		hourly := time.NewTicker(q.cfg.HourlyInterval)
		defer hourly.Stop()
		hourlyC = hourly.C
	}
	for {
		select {
		case <-q.stopCh:
			return
		case fn := <-q.cmds:
			fn()
		case <-retry.C:
			q.retryAll("retry_interval")
		case <-hourlyC:
			q.maybeFileHourly()
		}
	}
}

// post delivers fn to the run loop; dropped once the queue stops.
func (q *Queue) post(fn func()) {
	select {
	case q.cmds <- fn:
	case <-q.stopCh:
	}
}

// file resolves a snapshot uuid, persists the report, and enqueues it. Runs
// off-loop because the snapshot future can take a full coalescing window.
func (q *Queue) file(r *domain.Report, hourly bool) {
	if domain.ReportingPolicy(q.policyMirror.Load()) == domain.PolicyDoNotFileAndDelete {
		q.log.Info("discarding report, reporting disabled", "program", r.ProgramName)
		q.sink.Inc(telemetry.CounterReportsDeleted, 1)
		if hourly {
			q.post(func() { q.hourlyPending = false })
		}
		return
	}
	select {
	case uuid := <-q.snapshots.GetSnapshotUUID(q.cfg.SnapshotTimeout):
		r.SnapshotUUID = uuid
	case <-q.stopCh:
		r.SnapshotUUID = domain.UUIDShutdown
	}
	id, err := q.store.Add(r)
	if err != nil {
		// The store counts its own drops.
		q.log.Error("filing report failed", "program", r.ProgramName, "err", err)
		q.snapshots.Release(r.SnapshotUUID)
		if hourly {
			q.post(func() { q.hourlyPending = false })
		}
		return
	}
	q.sink.Inc(telemetry.CounterReportsFiled, 1)
	q.log.Info("report filed", "id", id, "program", r.ProgramName, "snapshot", r.SnapshotUUID)
	pr := &PendingReport{ID: id, SnapshotUUID: r.SnapshotUUID, IsHourly: hourly}
	q.post(func() { q.enqueue(pr) })
}

// enqueue routes a freshly filed report according to the current policy.
func (q *Queue) enqueue(pr *PendingReport) {
	if pr.IsHourly {
		q.hourlyPending = true
	}
	switch q.policy {
	case domain.PolicyUpload:
		q.ready = append(q.ready, pr)
		q.tryUpload()
	case domain.PolicyArchive:
		q.archive(pr)
	case domain.PolicyDoNotFileAndDelete:
		q.deleteReport(pr)
	default:
		q.blocked = append(q.blocked, pr)
	}
}

// setPolicy applies a reporting policy change to every queued report. Reports
// already retired under a previous policy are never revisited.
func (q *Queue) setPolicy(p domain.ReportingPolicy) {
	if p == q.policy {
		return
	}
	q.log.Info("reporting policy changed", "from", q.policy.String(), "to", p.String())
	q.policy = p
	q.policyMirror.Store(int32(p))
	switch p {
	case domain.PolicyUpload:
		q.ready = append(q.ready, q.blocked...)
		q.blocked = nil
		q.tryUpload()
	case domain.PolicyArchive:
		for _, pr := range q.drainAll() {
			q.archive(pr)
		}
	case domain.PolicyDoNotFileAndDelete:
		for _, pr := range q.drainAll() {
			q.deleteReport(pr)
		}
	}
}

// drainAll removes every ready and blocked report from the queue. The active
// report, if any, finishes its attempt; its completion handler rechecks the
// policy.
func (q *Queue) drainAll() []*PendingReport {
	out := append(q.ready, q.blocked...)
	q.ready = nil
	q.blocked = nil
	return out
}

// retryAll moves blocked reports back to ready and kicks the uploader.
func (q *Queue) retryAll(reason string) {
	if len(q.blocked) == 0 {
		return
	}
	q.log.Info("retrying blocked reports", "count", len(q.blocked), "reason", reason)
	q.ready = append(q.ready, q.blocked...)
	q.blocked = nil
	q.tryUpload()
}

// tryUpload starts uploading the next ready report unless one is already
// active. Reports whose bytes vanished from the store are retired as dropped.
func (q *Queue) tryUpload() {
	for q.active == nil && q.policy == domain.PolicyUpload && len(q.ready) > 0 {
		pr := q.ready[0]
		q.ready = q.ready[1:]
		if !q.store.Contains(pr.ID) {
			q.log.Warn("queued report no longer in store", "id", pr.ID)
			q.snapshots.Release(pr.SnapshotUUID)
			q.retire(pr)
			q.sink.Inc(telemetry.CounterReportsDropped, 1)
			continue
		}
		r, err := q.store.Get(pr.ID)
		if err != nil {
			q.log.Error("loading report for upload", "id", pr.ID, "err", err)
			q.store.Remove(pr.ID)
			q.snapshots.Release(pr.SnapshotUUID)
			q.retire(pr)
			q.sink.Inc(telemetry.CounterReportsDropped, 1)
			continue
		}
		pr.UploadAttempts++
		snap := q.snapshots.GetSnapshot(pr.SnapshotUUID)
		q.active = pr
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.UploadTimeout)
			defer cancel()
			outcome, serverID, err := q.uploader.Upload(ctx, r, snap)
			if err != nil {
				outcome = domain.UploadFailure
			}
			q.post(func() { q.uploadDone(pr, outcome, serverID, err) })
		}()
		return
	}
}

// uploadDone handles one attempt's result on the run loop.
func (q *Queue) uploadDone(pr *PendingReport, outcome domain.UploadOutcome, serverID string, err error) {
	q.active = nil
	switch outcome {
	case domain.UploadSuccess:
		q.log.Info("report uploaded", "id", pr.ID, "server_report_id", serverID, "attempts", pr.UploadAttempts)
		q.sink.Inc(telemetry.CounterReportsUploaded, 1)
		q.sink.Observe(telemetry.SummaryUploadAttempts, int64(pr.UploadAttempts))
		q.store.Remove(pr.ID)
		q.snapshots.Release(pr.SnapshotUUID)
		q.retire(pr)
	case domain.UploadThrottled:
		q.log.Info("report throttled by collector", "id", pr.ID)
		q.sink.Inc(telemetry.CounterReportsThrottled, 1)
		q.store.Remove(pr.ID)
		q.snapshots.Release(pr.SnapshotUUID)
		q.retire(pr)
	default:
		q.log.Warn("upload failed", "id", pr.ID, "attempts", pr.UploadAttempts, "err", err)
		// The policy may have changed while the attempt was in flight.
		switch q.policy {
		case domain.PolicyArchive:
			q.archive(pr)
		case domain.PolicyDoNotFileAndDelete:
			q.deleteReport(pr)
		default:
			q.blocked = append(q.blocked, pr)
		}
	}
	q.tryUpload()
}

// archive retires a report without uploading; its bytes stay on disk.
func (q *Queue) archive(pr *PendingReport) {
	q.log.Info("report archived", "id", pr.ID)
	q.sink.Inc(telemetry.CounterReportsArchived, 1)
	q.snapshots.Release(pr.SnapshotUUID)
	q.retire(pr)
}

// deleteReport retires a report and removes its bytes.
func (q *Queue) deleteReport(pr *PendingReport) {
	q.log.Info("report deleted", "id", pr.ID)
	q.sink.Inc(telemetry.CounterReportsDeleted, 1)
	q.store.Remove(pr.ID)
	q.snapshots.Release(pr.SnapshotUUID)
	q.retire(pr)
}

// retire finalizes bookkeeping common to every terminal path.
func (q *Queue) retire(pr *PendingReport) {
	if pr.IsHourly {
		q.hourlyPending = false
	}
}

// maybeFileHourly files the periodic synthetic report unless one is already
// somewhere in the queue.
func (q *Queue) maybeFileHourly() {
	if q.hourlyPending {
		return
	}
	q.hourlyPending = true
	ann := domain.NewAnnotations()
	ann.Set(annotationCrashType, crashTypeHourlyReport)
	r := &domain.Report{ProgramName: hourlyProgramName, Annotations: ann}
	go q.file(r, true)
}

// isHourly recognizes the queue's own periodic report.
func isHourly(r *domain.Report) bool {
	if r.ProgramName != hourlyProgramName || r.Annotations == nil {
		return false
	}
	v, ok := r.Annotations.Get(annotationCrashType)
	return ok && v == crashTypeHourlyReport
}
