// Package store implements quota-bounded, two-root on-disk storage of crash
// report payloads. An in-memory Metadata index per root mirrors the directory
// tree root/<program>/<report_id>/...; the filesystem is the source of truth
// and the index is rebuilt by walking it on startup. When free space runs out
// the store evicts reports from whichever program currently holds the most,
// oldest first, so a single noisy program cannot crowd out the rest.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/telemetry"
)

// Config holds the two root directories and their byte quotas.
type Config struct {
	TempRoot          string
	TempMaxSize       domain.StorageSize
	PersistentRoot    string
	PersistentMaxSize domain.StorageSize
	Logger            *slog.Logger
	Sink              telemetry.Sink
}

// Store is the report store. Safe for concurrent use.
type Store struct {
	log  *slog.Logger
	sink telemetry.Sink

	mu         sync.Mutex
	temp       *Metadata
	persistent *Metadata
	nextID     domain.ReportID
}

// New builds a Store, rebuilding both indices from disk. The temp root must
// be usable; a failure to prepare the persistent root is tolerated (writes
// then always land under temp).
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	s := &Store{
		log:        cfg.Logger.With("domain", "store"),
		sink:       cfg.Sink,
		temp:       NewMetadata(cfg.TempRoot, cfg.TempMaxSize),
		persistent: NewMetadata(cfg.PersistentRoot, cfg.PersistentMaxSize),
	}
	if err := s.temp.RecreateFromFilesystem(); err != nil {
		return nil, fmt.Errorf("prepare temp root: %w", err)
	}
	if err := s.persistent.RecreateFromFilesystem(); err != nil {
		s.log.Warn("persistent root unusable, falling back to temp only", "root", cfg.PersistentRoot, "err", err)
	}
	s.nextID = 1
	for _, m := range []*Metadata{s.temp, s.persistent} {
		for _, id := range m.Reports() {
			if id >= s.nextID {
				s.nextID = id + 1
			}
		}
	}
	return s, nil
}

// Add persists the report and returns its newly assigned id. Garbage
// collection runs first if the chosen root lacks free space. A write failure
// under the persistent root is retried once under temp; a failure under temp
// drops the report.
func (s *Store) Add(r *domain.Report) (domain.ReportID, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	files, size, err := serializeReport(r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	root := s.pickRoot(size)
	if !s.makeFreeSpace(root, size) {
		s.sink.Inc(telemetry.CounterReportsDropped, 1)
		return 0, fmt.Errorf("%w: %s does not fit under %s", domain.ErrStoreFull, size, root.Root())
	}
	if err := s.writeUnder(root, id, r, files, size); err != nil {
		if root == s.persistent {
			s.log.Warn("persist failed, retrying under temp root", "id", id, "err", err)
			if !s.makeFreeSpace(s.temp, size) {
				s.sink.Inc(telemetry.CounterReportsDropped, 1)
				return 0, fmt.Errorf("%w: %s does not fit under %s", domain.ErrStoreFull, size, s.temp.Root())
			}
			if err := s.writeUnder(s.temp, id, r, files, size); err != nil {
				s.sink.Inc(telemetry.CounterReportsDropped, 1)
				return 0, fmt.Errorf("write report %d: %w", id, err)
			}
			return id, nil
		}
		s.sink.Inc(telemetry.CounterReportsDropped, 1)
		return 0, fmt.Errorf("write report %d: %w", id, err)
	}
	return id, nil
}

// Get loads a report's payload back from disk.
func (s *Store) Get(id domain.ReportID) (*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.containsLocked(id)
	if m == nil {
		return nil, domain.ErrNotFound
	}
	dir, _ := m.ReportDirectory(id)
	program, _ := m.ReportProgram(id)

	r := &domain.Report{ID: id, ProgramName: program, Annotations: domain.NewAnnotations()}
	annPath := filepath.Join(dir, domain.AnnotationsFilename)
	annBytes, err := os.ReadFile(annPath)
	if err != nil {
		return nil, fmt.Errorf("read annotations for %d: %w", id, err)
	}
	if err := json.Unmarshal(annBytes, r.Annotations); err != nil {
		return nil, fmt.Errorf("decode annotations for %d: %w", id, err)
	}
	uuidBytes, err := os.ReadFile(filepath.Join(dir, domain.SnapshotUUIDFilename))
	if err != nil {
		return nil, fmt.Errorf("read snapshot uuid for %d: %w", id, err)
	}
	r.SnapshotUUID = string(uuidBytes)

	if dump, err := os.ReadFile(filepath.Join(dir, domain.MinidumpFilename)); err == nil {
		r.Minidump = dump
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read minidump for %d: %w", id, err)
	}
	for _, key := range m.ReportAttachmentKeys(id) {
		data, err := os.ReadFile(filepath.Join(dir, key))
		if err != nil {
			return nil, fmt.Errorf("read attachment %q for %d: %w", key, id, err)
		}
		if r.Attachments == nil {
			r.Attachments = make(map[string][]byte)
		}
		r.Attachments[key] = data
	}
	return r, nil
}

// Remove deletes the report's directory and forgets it. Deleting the last
// report of a program deletes the program directory too. Returns false if the
// report is unknown.
func (s *Store) Remove(id domain.ReportID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.containsLocked(id)
	if m == nil {
		return false
	}
	s.removeLocked(m, id)
	return true
}

// Contains reports whether the report exists in memory AND on disk. A stale
// in-memory entry whose directory vanished (the filesystem is an external
// actor) is purged and false is returned. Every other per-id operation goes
// through this check.
func (s *Store) Contains(id domain.ReportID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containsLocked(id) != nil
}

// Reports returns every stored report id across both roots, ascending.
func (s *Store) Reports() []domain.ReportID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append(s.temp.Reports(), s.persistent.Reports()...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Usage returns the current size of the temp and persistent roots.
func (s *Store) Usage() (temp, persistent domain.StorageSize) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temp.CurrentSize(), s.persistent.CurrentSize()
}

// containsLocked finds the index holding id, revalidating its directory
// against the filesystem. A missing directory purges the entry.
func (s *Store) containsLocked(id domain.ReportID) *Metadata {
	for _, m := range []*Metadata{s.persistent, s.temp} {
		if !m.Contains(id) {
			continue
		}
		dir, _ := m.ReportDirectory(id)
		if _, err := os.Stat(dir); err != nil {
			s.log.Warn("report directory vanished, purging index entry", "id", id, "dir", dir)
			m.Remove(id)
			return nil
		}
		return m
	}
	return nil
}

// removeLocked deletes id's files and index entry under m.
func (s *Store) removeLocked(m *Metadata, id domain.ReportID) {
	dir, _ := m.ReportDirectory(id)
	program, _ := m.ReportProgram(id)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Error("remove report directory", "id", id, "dir", dir, "err", err)
	}
	_, lastOfProgram, _ := m.Remove(id)
	if lastOfProgram {
		if pdir := filepath.Join(m.Root(), program); pdir != m.Root() {
			_ = os.RemoveAll(pdir)
		}
	}
}

// pickRoot prefers the persistent root when it is usable and has free
// capacity for the report; otherwise temp.
func (s *Store) pickRoot(size domain.StorageSize) *Metadata {
	if s.persistent.IsUsable() && s.persistent.RemainingSpace() >= size {
		return s.persistent
	}
	return s.temp
}

// makeFreeSpace evicts reports under m until need bytes fit or the root is
// empty. Eviction order: reports of the program with the most stored reports
// go first, oldest id first within a program. Returns false if need cannot
// fit even after evicting everything.
func (s *Store) makeFreeSpace(m *Metadata, need domain.StorageSize) bool {
	if need > m.MaxSize() {
		return false
	}
	if m.RemainingSpace() >= need {
		return true
	}

	type victim struct {
		id        domain.ReportID
		remaining int // reports of this program with id >= this one
	}
	var victims []victim
	for _, id := range m.Reports() {
		program, _ := m.ReportProgram(id)
		queue := m.ProgramReports(program)
		for i, qid := range queue {
			if qid == id {
				victims = append(victims, victim{id: id, remaining: len(queue) - i})
				break
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].remaining != victims[j].remaining {
			return victims[i].remaining > victims[j].remaining
		}
		return victims[i].id < victims[j].id
	})

	for _, v := range victims {
		if m.RemainingSpace() >= need {
			break
		}
		s.log.Info("garbage collecting report", "id", v.id, "root", m.Root())
		s.removeLocked(m, v.id)
		s.sink.Inc(telemetry.CounterReportsGarbage, 1)
	}
	return m.RemainingSpace() >= need
}

// writeUnder persists the report files under root and records them in the
// index. Partial writes are cleaned up.
func (s *Store) writeUnder(m *Metadata, id domain.ReportID, r *domain.Report, files map[string][]byte, size domain.StorageSize) error {
	dir := filepath.Join(m.Root(), r.ProgramName, id.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for name, data := range files {
		if err := writeFileExcl(filepath.Join(dir, name), data); err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
	}
	keys := make([]string, 0, len(r.Attachments))
	for k := range r.Attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := m.Add(id, r.ProgramName, dir, size, keys); err != nil {
		// Duplicate ids indicate a programming bug; the id counter is the
		// only allocator.
		s.log.Error("index add failed", "id", id, "err", err)
		_ = os.RemoveAll(dir)
		return err
	}
	return nil
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

// serializeReport renders the report into its on-disk files and total size.
func serializeReport(r *domain.Report) (map[string][]byte, domain.StorageSize, error) {
	ann := r.Annotations
	if ann == nil {
		ann = domain.NewAnnotations()
	}
	annBytes, err := json.Marshal(ann)
	if err != nil {
		return nil, 0, fmt.Errorf("encode annotations: %w", err)
	}
	files := map[string][]byte{
		domain.AnnotationsFilename:  annBytes,
		domain.SnapshotUUIDFilename: []byte(r.SnapshotUUID),
	}
	if len(r.Minidump) > 0 {
		files[domain.MinidumpFilename] = r.Minidump
	}
	for k, data := range r.Attachments {
		files[k] = data
	}
	var size domain.StorageSize
	for _, data := range files {
		size += domain.StorageSize(len(data))
	}
	return files, size, nil
}
