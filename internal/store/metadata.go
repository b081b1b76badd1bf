package store

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/vsrinivas/crashd/internal/domain"
)

// reportRecord tracks one stored report.
type reportRecord struct {
	size           domain.StorageSize
	dir            string
	program        string
	attachmentKeys []string
}

// programRecord tracks one program directory and its reports oldest to newest.
type programRecord struct {
	dir     string
	reports []domain.ReportID
}

// Metadata is the in-memory index mirroring one store root on disk. It is the
// single source of truth for what exists under the root, how big it is, and
// which program owns it. Metadata performs no I/O except RecreateFromFilesystem
// and assumes the caller holds the store's lock.
type Metadata struct {
	root        string
	maxSize     domain.StorageSize
	usable      bool
	reports     map[domain.ReportID]*reportRecord
	programs    map[string]*programRecord
	currentSize domain.StorageSize
}

// NewMetadata returns an empty index for the given root and quota. The index
// is not usable until RecreateFromFilesystem succeeds.
func NewMetadata(root string, maxSize domain.StorageSize) *Metadata {
	return &Metadata{
		root:     root,
		maxSize:  maxSize,
		reports:  make(map[domain.ReportID]*reportRecord),
		programs: make(map[string]*programRecord),
	}
}

// Root returns the directory this index mirrors.
func (m *Metadata) Root() string { return m.root }

// MaxSize returns the root's byte quota.
func (m *Metadata) MaxSize() domain.StorageSize { return m.maxSize }

// CurrentSize returns the sum of all tracked report sizes.
func (m *Metadata) CurrentSize() domain.StorageSize { return m.currentSize }

// RemainingSpace returns the free quota under the root.
func (m *Metadata) RemainingSpace() domain.StorageSize {
	if m.currentSize >= m.maxSize {
		return 0
	}
	return m.maxSize - m.currentSize
}

// IsUsable reports whether the root directory could be created and walked.
func (m *Metadata) IsUsable() bool { return m.usable }

// RecreateFromFilesystem rebuilds the index by walking
// root/<program>/<report_id>/... and summing file sizes. Empty leftover
// directories from an interrupted delete are purged. Calling it again resets
// the index to the filesystem's current state.
func (m *Metadata) RecreateFromFilesystem() error {
	m.reports = make(map[domain.ReportID]*reportRecord)
	m.programs = make(map[string]*programRecord)
	m.currentSize = 0
	m.usable = false

	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return err
	}
	programDirs, err := os.ReadDir(m.root)
	if err != nil {
		return err
	}
	for _, pd := range programDirs {
		if !pd.IsDir() {
			continue
		}
		program := pd.Name()
		programDir := filepath.Join(m.root, program)
		reportDirs, err := os.ReadDir(programDir)
		if err != nil {
			continue
		}
		kept := 0
		for _, rd := range reportDirs {
			if !rd.IsDir() {
				continue
			}
			id, err := domain.ParseReportID(rd.Name())
			if err != nil {
				continue
			}
			dir := filepath.Join(programDir, rd.Name())
			size, keys, err := sizeOfReportDir(dir)
			if err != nil || size == 0 {
				// Empty or unreadable leftover from a crashed delete.
				_ = os.RemoveAll(dir)
				continue
			}
			m.addLocked(id, program, dir, size, keys)
			kept++
		}
		if kept == 0 {
			_ = os.RemoveAll(programDir)
		}
	}
	m.usable = true
	return nil
}

// sizeOfReportDir sums the file sizes in one report directory and collects
// the non-reserved filenames (attachment keys).
func sizeOfReportDir(dir string) (domain.StorageSize, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, nil, err
	}
	var total domain.StorageSize
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += domain.StorageSize(info.Size())
		if !domain.IsReservedKey(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return total, keys, nil
}

// Add records a new report. The caller guarantees the directory exists on
// disk. Returns ErrDuplicateReport if the id is already tracked.
func (m *Metadata) Add(id domain.ReportID, program, dir string, size domain.StorageSize, attachmentKeys []string) error {
	if _, ok := m.reports[id]; ok {
		return domain.ErrDuplicateReport
	}
	m.addLocked(id, program, dir, size, attachmentKeys)
	return nil
}

func (m *Metadata) addLocked(id domain.ReportID, program, dir string, size domain.StorageSize, attachmentKeys []string) {
	m.reports[id] = &reportRecord{size: size, dir: dir, program: program, attachmentKeys: attachmentKeys}
	pr, ok := m.programs[program]
	if !ok {
		pr = &programRecord{dir: filepath.Join(m.root, program)}
		m.programs[program] = pr
	}
	// Keep the per-program list ordered oldest to newest. Ids arrive in order
	// during normal operation; the filesystem walk may not.
	idx := sort.Search(len(pr.reports), func(i int) bool { return pr.reports[i] >= id })
	pr.reports = append(pr.reports, 0)
	copy(pr.reports[idx+1:], pr.reports[idx:])
	pr.reports[idx] = id
	m.currentSize += size
}

// Remove forgets a report, returning the freed size and whether it was the
// program's last report (in which case the program record is dropped too).
func (m *Metadata) Remove(id domain.ReportID) (freed domain.StorageSize, lastOfProgram bool, ok bool) {
	rec, found := m.reports[id]
	if !found {
		return 0, false, false
	}
	delete(m.reports, id)
	m.currentSize -= rec.size
	pr := m.programs[rec.program]
	if pr != nil {
		for i, rid := range pr.reports {
			if rid == id {
				pr.reports = append(pr.reports[:i], pr.reports[i+1:]...)
				break
			}
		}
		if len(pr.reports) == 0 {
			delete(m.programs, rec.program)
			lastOfProgram = true
		}
	}
	return rec.size, lastOfProgram, true
}

// Contains reports whether id is tracked in memory. It does not touch disk;
// the store layer revalidates against the filesystem.
func (m *Metadata) Contains(id domain.ReportID) bool {
	_, ok := m.reports[id]
	return ok
}

// ReportDirectory returns the on-disk directory for id.
func (m *Metadata) ReportDirectory(id domain.ReportID) (string, bool) {
	rec, ok := m.reports[id]
	if !ok {
		return "", false
	}
	return rec.dir, true
}

// ProgramDirectory returns the directory holding all of program's reports.
func (m *Metadata) ProgramDirectory(program string) (string, bool) {
	pr, ok := m.programs[program]
	if !ok {
		return "", false
	}
	return pr.dir, true
}

// ReportProgram returns the owning program for id.
func (m *Metadata) ReportProgram(id domain.ReportID) (string, bool) {
	rec, ok := m.reports[id]
	if !ok {
		return "", false
	}
	return rec.program, true
}

// ReportSize returns the stored size for id.
func (m *Metadata) ReportSize(id domain.ReportID) (domain.StorageSize, bool) {
	rec, ok := m.reports[id]
	if !ok {
		return 0, false
	}
	return rec.size, true
}

// ReportAttachmentKeys returns the non-reserved attachment filenames for id.
func (m *Metadata) ReportAttachmentKeys(id domain.ReportID) []string {
	rec, ok := m.reports[id]
	if !ok {
		return nil
	}
	keys := make([]string, len(rec.attachmentKeys))
	copy(keys, rec.attachmentKeys)
	return keys
}

// Reports returns every tracked report id in ascending order.
func (m *Metadata) Reports() []domain.ReportID {
	ids := make([]domain.ReportID, 0, len(m.reports))
	for id := range m.reports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ProgramReports returns program's report ids oldest to newest.
func (m *Metadata) ProgramReports(program string) []domain.ReportID {
	pr, ok := m.programs[program]
	if !ok {
		return nil
	}
	ids := make([]domain.ReportID, len(pr.reports))
	copy(ids, pr.reports)
	return ids
}
