package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/telemetry"
)

// Provider captures a device snapshot. Invoked at most once per coalescing
// window; the context carries the capture deadline.
type Provider interface {
	CaptureSnapshot(ctx context.Context) (*domain.Annotations, []byte, error)
}

// ManagerConfig tunes request coalescing.
type ManagerConfig struct {
	// Window is how long a new request waits for more callers before the
	// capture is dispatched.
	Window time.Duration
	// Reserve is subtracted from each creating caller's timeout to leave room
	// for packaging and delivery; the capture deadline is floored at zero.
	Reserve time.Duration
	Logger  *slog.Logger
	Sink    telemetry.Sink
}

// Manager coalesces concurrent snapshot requests into one capture per window.
// Every caller is registered as a client of the eventual uuid immediately, so
// the snapshot cannot be evicted before it is consumed.
type Manager struct {
	log      *slog.Logger
	sink     telemetry.Sink
	store    *Store
	provider Provider
	window   time.Duration
	reserve  time.Duration

	mu       sync.Mutex
	current  *request
	cancels  map[*request]context.CancelFunc
	shutdown bool
	once     sync.Once
	wg       sync.WaitGroup
}

// request is one in-flight or completed capture shared by its waiters.
type request struct {
	uuid         string
	fetchTimeout time.Duration
	dispatched   bool
	windowTimer  *time.Timer
	waiters      []*waiter
}

// waiter is one caller's pending continuation.
type waiter struct {
	ch       chan string
	timer    *time.Timer
	resolved bool
}

// NewManager builds a Manager on top of store and provider.
func NewManager(store *Store, provider Provider, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	return &Manager{
		log:      cfg.Logger.With("domain", "snapshot_manager"),
		sink:     cfg.Sink,
		store:    store,
		provider: provider,
		window:   cfg.Window,
		reserve:  cfg.Reserve,
		cancels:  make(map[*request]context.CancelFunc),
	}
}

// GetSnapshotUUID returns a single-value channel that resolves to the uuid of
// a snapshot once its capture completes, or to a sentinel uuid if the
// caller's timeout elapses, the manager shuts down, or the data is evicted
// before the caller could observe it. The caller must Release the resolved
// uuid when done with it (sentinels included; releasing a sentinel is a
// no-op).
func (m *Manager) GetSnapshotUUID(timeout time.Duration) <-chan string {
	ch := make(chan string, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		ch <- domain.UUIDShutdown
		return ch
	}

	req := m.current
	if req == nil || req.dispatched {
		// Start a new shared request; callers arriving within the window join
		// it instead of triggering their own capture.
		fetchTimeout := timeout - m.reserve
		if fetchTimeout < 0 {
			fetchTimeout = 0
		}
		req = &request{uuid: uuid.New().String(), fetchTimeout: fetchTimeout}
		m.store.StartSnapshot(req.uuid)
		r := req
		req.windowTimer = time.AfterFunc(m.window, func() { m.dispatch(r) })
		m.current = req
	}

	m.store.IncrementClientCount(req.uuid)
	w := &waiter{ch: ch}
	req.waiters = append(req.waiters, w)
	r := req
	w.timer = time.AfterFunc(timeout, func() { m.timeoutWaiter(r, w) })
	return ch
}

// GetSnapshot resolves uuid to its data or a missing-snapshot view.
func (m *Manager) GetSnapshot(uuid string) Snapshot { return m.store.GetSnapshot(uuid) }

// Release drops one client reference on uuid.
func (m *Manager) Release(uuid string) bool {
	if domain.IsSentinelUUID(uuid) {
		return false
	}
	return m.store.Release(uuid)
}

// dispatch fires the external capture for req once its window elapses.
func (m *Manager) dispatch(req *request) {
	m.mu.Lock()
	if m.shutdown || req.dispatched {
		m.mu.Unlock()
		return
	}
	req.dispatched = true
	ctx, cancel := context.WithTimeout(context.Background(), req.fetchTimeout)
	m.cancels[req] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()
		ann, archive, err := m.provider.CaptureSnapshot(ctx)
		m.complete(req, ann, archive, err)
	}()
}

// complete stores the capture result and resumes every waiter still pending
// on req.
func (m *Manager) complete(req *request, ann *domain.Annotations, archive []byte, err error) {
	if err != nil {
		m.log.Error("snapshot capture failed", "uuid", req.uuid, "err", err)
		if ann == nil {
			ann = domain.NewAnnotations()
		}
		ann.Set(domain.AnnotationSnapshotPresent, "false")
		ann.Set(domain.AnnotationSnapshotError, err.Error())
		archive = nil
	} else {
		m.sink.Inc(telemetry.CounterSnapshotsTaken, 1)
	}
	m.store.AddSnapshot(req.uuid, ann, archive)

	m.mu.Lock()
	delete(m.cancels, req)
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	resolved := req.uuid
	if !m.store.Known(req.uuid) {
		// Every client released before the data landed.
		resolved = domain.UUIDGarbageCollected
	}
	waiters := m.takePendingLocked(req)
	m.mu.Unlock()

	for _, w := range waiters {
		w.ch <- resolved
	}
}

// timeoutWaiter resolves one waiter with the timed-out sentinel; the others
// keep waiting. The waiter's reference on the real uuid is dropped since the
// caller will never consume it.
func (m *Manager) timeoutWaiter(req *request, w *waiter) {
	m.mu.Lock()
	if w.resolved {
		m.mu.Unlock()
		return
	}
	w.resolved = true
	m.mu.Unlock()

	m.store.Release(req.uuid)
	w.ch <- domain.UUIDTimedOut
}

// Shutdown cancels outstanding captures and resumes every waiter with the
// shutdown sentinel. Idempotent and terminal.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		var all []*waiter
		var uuids []string
		if m.current != nil {
			if m.current.windowTimer != nil {
				m.current.windowTimer.Stop()
			}
		}
		for _, cancel := range m.cancels {
			cancel()
		}
		// Resolve waiters of the joinable request; dispatched requests keep
		// their waiters in req.waiters too, but the only reachable ones are
		// those not yet resolved.
		for _, req := range m.pendingRequestsLocked() {
			for _, w := range m.takePendingLocked(req) {
				all = append(all, w)
				uuids = append(uuids, req.uuid)
			}
		}
		m.mu.Unlock()

		for i, w := range all {
			m.store.Release(uuids[i])
			w.ch <- domain.UUIDShutdown
		}
		m.wg.Wait()
	})
}

// pendingRequestsLocked lists requests that may still hold unresolved waiters.
func (m *Manager) pendingRequestsLocked() []*request {
	seen := make(map[*request]struct{})
	var out []*request
	if m.current != nil {
		seen[m.current] = struct{}{}
		out = append(out, m.current)
	}
	for req := range m.cancels {
		if _, ok := seen[req]; !ok {
			out = append(out, req)
		}
	}
	return out
}

// takePendingLocked marks every unresolved waiter of req resolved, stopping
// deadline timers, and returns them for resumption outside the lock.
func (m *Manager) takePendingLocked(req *request) []*waiter {
	var out []*waiter
	for _, w := range req.waiters {
		if w.resolved {
			continue
		}
		w.resolved = true
		if w.timer != nil {
			w.timer.Stop()
		}
		out = append(out, w)
	}
	return out
}
