package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/snapshot"
	"github.com/vsrinivas/crashd/internal/telemetry"
)

// fakeStore is an in-memory ReportStore. Setting failGets makes every Get
// fail while the reports stay indexed, mimicking unreadable payloads.
type fakeStore struct {
	mu       sync.Mutex
	nextID   domain.ReportID
	failGets bool
	reports  map[domain.ReportID]*domain.Report
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, reports: make(map[domain.ReportID]*domain.Report)}
}

func (s *fakeStore) Add(r *domain.Report) (domain.ReportID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	cp := *r
	cp.ID = id
	s.reports[id] = &cp
	return id, nil
}

func (s *fakeStore) Get(id domain.ReportID) (*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.failGets {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) setFailGets(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = v
}

func (s *fakeStore) Remove(id domain.ReportID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reports[id]
	delete(s.reports, id)
	return ok
}

func (s *fakeStore) Contains(id domain.ReportID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reports[id]
	return ok
}

func (s *fakeStore) Reports() []domain.ReportID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReportID, 0, len(s.reports))
	for id := range s.reports {
		out = append(out, id)
	}
	return out
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// fakeResolver resolves every snapshot request instantly with a fixed uuid and
// counts releases.
type fakeResolver struct {
	mu       sync.Mutex
	uuid     string
	released []string
}

func (f *fakeResolver) GetSnapshotUUID(time.Duration) <-chan string {
	ch := make(chan string, 1)
	ch <- f.uuid
	return ch
}

func (f *fakeResolver) GetSnapshot(uuid string) snapshot.Snapshot {
	return snapshot.Snapshot{Annotations: domain.MissingSnapshotAnnotations(uuid)}
}

func (f *fakeResolver) Release(uuid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, uuid)
	return true
}

func (f *fakeResolver) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

// scriptedUploader pops one outcome per attempt; when the script runs out it
// keeps returning the final entry.
type scriptedUploader struct {
	mu       sync.Mutex
	script   []domain.UploadOutcome
	attempts int
}

func (u *scriptedUploader) Upload(_ context.Context, _ *domain.Report, _ snapshot.Snapshot) (domain.UploadOutcome, string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attempts++
	out := u.script[len(u.script)-1]
	if u.attempts <= len(u.script) {
		out = u.script[u.attempts-1]
	}
	if out == domain.UploadFailure {
		return out, "", context.DeadlineExceeded
	}
	return out, "srv-1", nil
}

func (u *scriptedUploader) attemptCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts
}

// spySink records telemetry events for assertions.
type spySink struct {
	mu       sync.Mutex
	counters map[string]int64
	observed map[string][]int64
}

func newSpySink() *spySink {
	return &spySink{counters: make(map[string]int64), observed: make(map[string][]int64)}
}

func (s *spySink) Inc(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

func (s *spySink) Observe(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[name] = append(s.observed[name], value)
}

func (s *spySink) counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

func (s *spySink) observations(name string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.observed[name]))
	copy(out, s.observed[name])
	return out
}

type harness struct {
	q        *Queue
	store    *fakeStore
	resolver *fakeResolver
	uploader *scriptedUploader
	sink     *spySink
	policy   *PolicyStream
	network  *NetworkStream
}

func newHarness(t *testing.T, initial domain.ReportingPolicy, script ...domain.UploadOutcome) *harness {
	t.Helper()
	if len(script) == 0 {
		script = []domain.UploadOutcome{domain.UploadSuccess}
	}
	h := &harness{
		store:    newFakeStore(),
		resolver: &fakeResolver{uuid: "snap-1"},
		uploader: &scriptedUploader{script: script},
		sink:     newSpySink(),
		policy:   NewPolicyStream(initial),
		network:  &NetworkStream{},
	}
	h.q = New(h.store, h.resolver, h.uploader, Config{
		RetryInterval: time.Hour, // tests drive retries via the network stream
		Sink:          h.sink,
	})
	h.q.Start()
	t.Cleanup(h.q.Stop)
	h.q.WatchReportingPolicy(h.policy)
	h.q.WatchNetwork(h.network)
	return h
}

func (h *harness) addReport(t *testing.T, program string) {
	t.Helper()
	r := &domain.Report{ProgramName: program, Annotations: domain.NewAnnotations()}
	require.NoError(t, h.q.Add(r))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRejectsMalformedReport(t *testing.T) {
	h := newHarness(t, domain.PolicyUpload)
	err := h.q.Add(&domain.Report{})
	assert.ErrorIs(t, err, domain.ErrNoProgramName)
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsDropped))
}

func TestUploadSuccessRetiresReport(t *testing.T) {
	h := newHarness(t, domain.PolicyUpload, domain.UploadSuccess)
	h.addReport(t, "browser")

	eventually(t, func() bool { return h.q.Pending() == 0 && h.store.count() == 0 }, "report not retired")
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsFiled))
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsUploaded))
	assert.Equal(t, []int64{1}, h.sink.observations(telemetry.SummaryUploadAttempts))
	assert.Equal(t, 1, h.resolver.releaseCount())
}

func TestUndecidedBlocksUntilUpload(t *testing.T) {
	h := newHarness(t, domain.PolicyUndecided, domain.UploadSuccess)
	h.addReport(t, "browser")

	eventually(t, func() bool { return h.q.Pending() == 1 }, "report not filed")
	assert.Equal(t, 0, h.uploader.attemptCount(), "no attempt while undecided")

	h.policy.Set(domain.PolicyUpload)
	eventually(t, func() bool { return h.q.Pending() == 0 }, "report not uploaded after consent")
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsUploaded))
	assert.Equal(t, []int64{1}, h.sink.observations(telemetry.SummaryUploadAttempts))
}

func TestArchivedReportNeverUploads(t *testing.T) {
	h := newHarness(t, domain.PolicyArchive, domain.UploadSuccess)
	h.addReport(t, "browser")

	eventually(t, func() bool { return h.sink.counter(telemetry.CounterReportsArchived) == 1 }, "report not archived")
	assert.Equal(t, 1, h.store.count(), "archived bytes stay on disk")

	// Consent granted later must not resurrect the archived report.
	h.policy.Set(domain.PolicyUpload)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.uploader.attemptCount())
	assert.Equal(t, 0, h.q.Pending())
}

func TestDeletePolicyDiscardsWithoutFiling(t *testing.T) {
	h := newHarness(t, domain.PolicyDoNotFileAndDelete)
	h.addReport(t, "browser")

	eventually(t, func() bool { return h.sink.counter(telemetry.CounterReportsDeleted) == 1 }, "report not discarded")
	assert.Equal(t, 0, h.store.count())
	assert.EqualValues(t, 0, h.sink.counter(telemetry.CounterReportsFiled))
}

func TestPolicySwitchToDeleteDrainsQueue(t *testing.T) {
	h := newHarness(t, domain.PolicyUndecided)
	h.addReport(t, "browser")
	h.addReport(t, "shell")
	eventually(t, func() bool { return h.q.Pending() == 2 }, "reports not filed")

	h.policy.Set(domain.PolicyDoNotFileAndDelete)
	eventually(t, func() bool { return h.q.Pending() == 0 && h.store.count() == 0 }, "queue not drained")
	assert.EqualValues(t, 2, h.sink.counter(telemetry.CounterReportsDeleted))
	assert.Equal(t, 2, h.resolver.releaseCount())
}

func TestThrottledRemovesFailureKeeps(t *testing.T) {
	h := newHarness(t, domain.PolicyUpload, domain.UploadFailure, domain.UploadThrottled)
	h.addReport(t, "browser")

	// First attempt fails; the report stays queued with one attempt recorded.
	eventually(t, func() bool { return h.uploader.attemptCount() == 1 }, "no first attempt")
	eventually(t, func() bool { return h.q.Pending() == 1 }, "failed report should stay queued")
	assert.Equal(t, 1, h.store.count())

	// Reachability triggers the retry; this time the collector throttles.
	h.network.Set(true)
	eventually(t, func() bool { return h.q.Pending() == 0 }, "throttled report should retire")
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsThrottled))
	assert.EqualValues(t, 0, h.sink.counter(telemetry.CounterReportsUploaded))
	assert.Equal(t, 0, h.store.count(), "throttled report removed from store")
	assert.Empty(t, h.sink.observations(telemetry.SummaryUploadAttempts), "attempts summarized only on success")
}

func TestAttemptsAccumulateAcrossRetries(t *testing.T) {
	h := newHarness(t, domain.PolicyUpload,
		domain.UploadFailure, domain.UploadFailure, domain.UploadSuccess)
	h.addReport(t, "browser")

	eventually(t, func() bool { return h.uploader.attemptCount() == 1 }, "no first attempt")
	h.network.Set(true)
	eventually(t, func() bool { return h.uploader.attemptCount() == 2 }, "no second attempt")
	h.network.Set(true)
	eventually(t, func() bool { return h.q.Pending() == 0 }, "report never uploaded")
	assert.Equal(t, []int64{3}, h.sink.observations(telemetry.SummaryUploadAttempts))
}

func TestVanishedReportRetiredAsDropped(t *testing.T) {
	h := newHarness(t, domain.PolicyUndecided)
	h.addReport(t, "browser")
	eventually(t, func() bool { return h.q.Pending() == 1 }, "report not filed")

	// The store loses the bytes (e.g. garbage collection) before consent.
	for _, id := range h.store.Reports() {
		h.store.Remove(id)
	}
	h.policy.Set(domain.PolicyUpload)
	eventually(t, func() bool { return h.q.Pending() == 0 }, "vanished report not retired")
	assert.Equal(t, 0, h.uploader.attemptCount())
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsDropped))
	assert.Equal(t, 1, h.resolver.releaseCount(), "dropping must release the snapshot reference")
}

func TestUnreadableReportReleasesSnapshot(t *testing.T) {
	h := newHarness(t, domain.PolicyUndecided)
	h.addReport(t, "browser")
	eventually(t, func() bool { return h.q.Pending() == 1 }, "report not filed")

	// The payload survives in the index but can no longer be loaded.
	h.store.setFailGets(true)
	h.policy.Set(domain.PolicyUpload)
	eventually(t, func() bool { return h.q.Pending() == 0 }, "unreadable report not retired")
	assert.Equal(t, 0, h.uploader.attemptCount())
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsDropped))
	assert.Equal(t, 1, h.resolver.releaseCount())
	assert.Equal(t, 0, h.store.count(), "unreadable report removed from store")
}

func TestStartRequeuesLeftoverReports(t *testing.T) {
	store := newFakeStore()
	r := &domain.Report{ProgramName: "browser", Annotations: domain.NewAnnotations(), SnapshotUUID: domain.UUIDNotPersisted}
	_, err := store.Add(r)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		resolver: &fakeResolver{uuid: "snap-1"},
		uploader: &scriptedUploader{script: []domain.UploadOutcome{domain.UploadSuccess}},
		sink:     newSpySink(),
		policy:   NewPolicyStream(domain.PolicyUpload),
	}
	h.q = New(h.store, h.resolver, h.uploader, Config{RetryInterval: time.Hour, Sink: h.sink})
	h.q.Start()
	t.Cleanup(h.q.Stop)
	h.q.WatchReportingPolicy(h.policy)

	eventually(t, func() bool { return h.q.Pending() == 0 && store.count() == 0 }, "leftover report not uploaded")
	assert.EqualValues(t, 1, h.sink.counter(telemetry.CounterReportsUploaded))
}

func TestHourlyReportDeduplicated(t *testing.T) {
	h := newHarness(t, domain.PolicyUndecided)
	hourly := func() *domain.Report {
		ann := domain.NewAnnotations()
		ann.Set(annotationCrashType, crashTypeHourlyReport)
		return &domain.Report{ProgramName: hourlyProgramName, Annotations: ann}
	}
	require.NoError(t, h.q.Add(hourly()))
	eventually(t, func() bool { return h.q.Pending() == 1 }, "hourly report not filed")

	// A second hourly tick while one is pending must not file another.
	done := make(chan struct{})
	h.q.post(func() { h.q.maybeFileHourly(); close(done) })
	<-done
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.q.Pending())
	assert.Equal(t, 1, h.store.count())
}
