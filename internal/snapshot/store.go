// Package snapshot implements the device snapshot cache and the manager that
// coalesces concurrent snapshot requests. Snapshot archives are expensive to
// capture and large, so they are shared across reports filed close in time,
// reference counted, and evicted under a size budget independent of the
// report store's quota.
package snapshot

import (
	"bufio"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/telemetry"
)

// ArchiveKey is the attachment filename under which a snapshot archive is
// uploaded with a report.
const ArchiveKey = "snapshot.json"

// gcLogFilename is the append-only log of size-evicted uuids under the root.
const gcLogFilename = "garbage_collected.txt"

// Snapshot is a read-only view handed to callers. Either Archive is set, or
// Annotations describe why the data is missing.
type Snapshot struct {
	Annotations *domain.Annotations
	Archive     []byte
}

// HasArchive reports whether snapshot data is present.
func (s Snapshot) HasArchive() bool { return len(s.Archive) > 0 }

// entry tracks one uuid. Metadata outlives the archive: a size-evicted uuid
// keeps its entry (and annotations) until the last client releases it.
type entry struct {
	clientCount uint
	annotations *domain.Annotations
	hasArchive  bool
	size        domain.StorageSize
	pending     bool
}

// Store is the reference-counted, size-bounded snapshot cache. Archives
// persist under root, one file per uuid. Safe for concurrent use.
type Store struct {
	log     *slog.Logger
	sink    telemetry.Sink
	root    string
	maxSize domain.StorageSize

	mu               sync.Mutex
	entries          map[string]*entry
	fifo             []string // uuids with archives, insertion order
	currentSize      domain.StorageSize
	garbageCollected map[string]struct{}
}

// NewStore prepares the archive root, loads the garbage-collected-uuid log,
// and removes orphan archive files left by a previous run (refcounts do not
// survive restarts, so nothing on disk is reachable anymore).
func NewStore(root string, maxSize domain.StorageSize, logger *slog.Logger, sink telemetry.Sink) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	s := &Store{
		log:              logger.With("domain", "snapshot_store"),
		sink:             sink,
		root:             root,
		maxSize:          maxSize,
		entries:          make(map[string]*entry),
		garbageCollected: make(map[string]struct{}),
	}
	if err := s.loadGCLog(); err != nil {
		return nil, err
	}
	s.removeOrphans()
	return s, nil
}

func (s *Store) archivePath(uuid string) string { return filepath.Join(s.root, uuid+".snapshot") }

func (s *Store) loadGCLog() error {
	f, err := os.Open(filepath.Join(s.root, gcLogFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		uuid := strings.TrimSpace(sc.Text())
		if uuid != "" {
			s.garbageCollected[uuid] = struct{}{}
		}
	}
	return sc.Err()
}

// appendGCLog durably records uuid as garbage collected.
func (s *Store) appendGCLog(uuid string) {
	f, err := os.OpenFile(filepath.Join(s.root, gcLogFilename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Error("open gc log", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(uuid + "\n"); err != nil {
		s.log.Error("append gc log", "uuid", uuid, "err", err)
		return
	}
	_ = f.Sync()
}

func (s *Store) removeOrphans() {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range dirEntries {
		if e.IsDir() || e.Name() == gcLogFilename {
			continue
		}
		_ = os.Remove(filepath.Join(s.root, e.Name()))
	}
}

// StartSnapshot registers uuid before its data exists so clients can attach
// to it while the capture is still in flight.
func (s *Store) StartSnapshot(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[uuid]; !ok {
		s.entries[uuid] = &entry{pending: true}
	}
}

// AddSnapshot attaches the completed capture to uuid and enforces the size
// budget. Data for a uuid nobody holds anymore is discarded.
func (s *Store) AddSnapshot(uuid string, annotations *domain.Annotations, archive []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	if !ok {
		// Every client released (or timed out) before the capture finished.
		s.log.Info("discarding snapshot with no remaining clients", "uuid", uuid)
		return
	}
	e.pending = false
	e.annotations = annotations
	if len(archive) == 0 {
		return
	}
	if err := writeFileExcl(s.archivePath(uuid), archive); err != nil {
		s.log.Error("persist snapshot archive", "uuid", uuid, "err", err)
		return
	}
	e.hasArchive = true
	e.size = domain.StorageSize(len(archive))
	s.currentSize += e.size
	s.fifo = append(s.fifo, uuid)
	s.enforceSizeLimitsLocked()
}

// enforceSizeLimitsLocked drops the oldest archives until the total fits the
// budget. Dropping an archive keeps the uuid's metadata; the eviction is
// recorded durably so the decision survives restart.
func (s *Store) enforceSizeLimitsLocked() {
	for s.currentSize > s.maxSize && len(s.fifo) > 0 {
		victim := s.fifo[0]
		s.fifo = s.fifo[1:]
		e := s.entries[victim]
		if e == nil || !e.hasArchive {
			continue
		}
		s.log.Info("garbage collecting snapshot archive", "uuid", victim, "size", e.size)
		if err := os.Remove(s.archivePath(victim)); err != nil {
			s.log.Error("remove snapshot archive", "uuid", victim, "err", err)
		}
		s.currentSize -= e.size
		e.hasArchive = false
		e.size = 0
		s.garbageCollected[victim] = struct{}{}
		s.appendGCLog(victim)
		s.sink.Inc(telemetry.CounterSnapshotsGarbage, 1)
	}
}

// IncrementClientCount records one more report depending on uuid.
func (s *Store) IncrementClientCount(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	if !ok {
		s.log.Warn("client count increment for unknown uuid", "uuid", uuid)
		return
	}
	e.clientCount++
}

// Release drops one client reference. When the count reaches zero the entry
// and any archive it still holds are deleted immediately; returns true in
// that case.
func (s *Store) Release(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	if !ok {
		return false
	}
	if e.clientCount > 0 {
		e.clientCount--
	}
	if e.clientCount > 0 {
		return false
	}
	if e.hasArchive {
		if err := os.Remove(s.archivePath(uuid)); err != nil {
			s.log.Error("remove snapshot archive", "uuid", uuid, "err", err)
		}
		s.currentSize -= e.size
		for i, u := range s.fifo {
			if u == uuid {
				s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
				break
			}
		}
	}
	delete(s.entries, uuid)
	return true
}

// GetSnapshot returns the snapshot for uuid, or a missing-snapshot view whose
// annotations state the reason. Sentinel uuids always yield their fixed
// missing-snapshot annotations.
func (s *Store) GetSnapshot(uuid string) Snapshot {
	if domain.IsSentinelUUID(uuid) {
		return Snapshot{Annotations: domain.MissingSnapshotAnnotations(uuid)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	if !ok || (!e.hasArchive && e.annotations == nil && !e.pending) {
		return Snapshot{Annotations: domain.MissingSnapshotAnnotations(domain.UUIDGarbageCollected)}
	}
	if _, gcd := s.garbageCollected[uuid]; gcd && !e.hasArchive {
		return Snapshot{Annotations: domain.MissingSnapshotAnnotations(domain.UUIDGarbageCollected)}
	}
	if e.pending {
		return Snapshot{Annotations: domain.MissingSnapshotAnnotations(domain.UUIDNotPersisted)}
	}
	if !e.hasArchive {
		// Capture completed without an archive (e.g. provider failure); the
		// annotations carry the reason.
		return Snapshot{Annotations: e.annotations}
	}
	archive, err := os.ReadFile(s.archivePath(uuid))
	if err != nil {
		s.log.Error("read snapshot archive", "uuid", uuid, "err", err)
		return Snapshot{Annotations: domain.MissingSnapshotAnnotations(domain.UUIDGarbageCollected)}
	}
	return Snapshot{Annotations: e.annotations, Archive: archive}
}

// SnapshotExists reports whether uuid currently holds archive data.
func (s *Store) SnapshotExists(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uuid]
	return ok && e.hasArchive
}

// Known reports whether uuid has a live entry (data or not).
func (s *Store) Known(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[uuid]
	return ok
}

// CurrentSize returns the total size of held archives.
func (s *Store) CurrentSize() domain.StorageSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// writeFileExcl creates path exclusively, writes data, and fsyncs.
func writeFileExcl(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return err
	}
	return f.Sync()
}
