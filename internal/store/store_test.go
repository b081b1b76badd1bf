package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/store"
)

func newTestStore(t *testing.T, tempMax, persistentMax domain.StorageSize) (*store.Store, string, string) {
	t.Helper()
	tempRoot := filepath.Join(t.TempDir(), "cache", "reports")
	persistentRoot := filepath.Join(t.TempDir(), "reports")
	s, err := store.New(store.Config{
		TempRoot:          tempRoot,
		TempMaxSize:       tempMax,
		PersistentRoot:    persistentRoot,
		PersistentMaxSize: persistentMax,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, tempRoot, persistentRoot
}

func testReport(program string) *domain.Report {
	ann := domain.NewAnnotations()
	ann.Set("signal", "SIGSEGV")
	return &domain.Report{
		ProgramName:  program,
		Annotations:  ann,
		Attachments:  map[string][]byte{"log.txt": []byte("0123456789abcdef")},
		Minidump:     []byte("minidump-bytes"),
		SnapshotUUID: "snap-1",
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	s, _, persistentRoot := newTestStore(t, domain.Mebibyte, domain.Mebibyte)

	r := testReport("crasher")
	id, err := s.Add(r)
	require.NoError(t, err)
	assert.True(t, s.Contains(id))

	// Preferred root is persistent.
	if _, err := os.Stat(filepath.Join(persistentRoot, "crasher", id.String(), domain.AnnotationsFilename)); err != nil {
		t.Fatalf("expected report under persistent root: %v", err)
	}

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "crasher", got.ProgramName)
	assert.Equal(t, "snap-1", got.SnapshotUUID)
	assert.Equal(t, []byte("minidump-bytes"), got.Minidump)
	assert.Equal(t, []byte("0123456789abcdef"), got.Attachments["log.txt"])
	v, ok := got.Annotations.Get("signal")
	assert.True(t, ok)
	assert.Equal(t, "SIGSEGV", v)
}

func TestAddRejectsMalformed(t *testing.T) {
	s, _, _ := newTestStore(t, domain.Mebibyte, domain.Mebibyte)

	_, err := s.Add(&domain.Report{})
	if !errors.Is(err, domain.ErrNoProgramName) {
		t.Fatalf("expected ErrNoProgramName, got %v", err)
	}

	_, err = s.Add(&domain.Report{
		ProgramName: "crasher",
		Attachments: map[string][]byte{domain.MinidumpFilename: []byte("x")},
	})
	if !errors.Is(err, domain.ErrReservedKey) {
		t.Fatalf("expected ErrReservedKey, got %v", err)
	}
}

func TestMonotonicIDs(t *testing.T) {
	s, _, _ := newTestStore(t, domain.Mebibyte, domain.Mebibyte)
	id1, err := s.Add(testReport("a"))
	require.NoError(t, err)
	id2, err := s.Add(testReport("b"))
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestQuotaInvariant(t *testing.T) {
	// Room for roughly three reports per root.
	r := testReport("crasher")
	one := reportStoredSize(t, r)
	max := 3 * one

	s, _, _ := newTestStore(t, max, max)
	for i := 0; i < 10; i++ {
		_, err := s.Add(testReport("crasher"))
		require.NoError(t, err)
		tmp, persistent := s.Usage()
		assert.LessOrEqual(t, tmp, max)
		assert.LessOrEqual(t, persistent, max)
	}
}

func TestGCOrderHeaviestProgramFirst(t *testing.T) {
	r := testReport("p1")
	one := reportStoredSize(t, r)

	// Persistent root too small to be usable so everything lands under temp,
	// which holds exactly three reports.
	s, _, _ := newTestStore(t, 3*one, 0)

	var p1 []domain.ReportID
	for i := 0; i < 3; i++ {
		id, err := s.Add(testReport("p1"))
		require.NoError(t, err)
		p1 = append(p1, id)
	}
	p2, err := s.Add(testReport("p2"))
	require.NoError(t, err)
	// p2's add itself evicted p1's oldest to make room.
	assert.False(t, s.Contains(p1[0]))
	assert.True(t, s.Contains(p1[1]))
	assert.True(t, s.Contains(p1[2]))

	// Next add evicts from p1 again (2 reports > p2's 1), oldest first.
	id5, err := s.Add(testReport("p3"))
	require.NoError(t, err)
	assert.False(t, s.Contains(p1[1]))
	assert.True(t, s.Contains(p1[2]))
	assert.True(t, s.Contains(p2))
	assert.True(t, s.Contains(id5))
}

func TestAddFailsWhenReportLargerThanQuota(t *testing.T) {
	s, _, _ := newTestStore(t, 64, 0)
	_, err := s.Add(testReport("crasher"))
	if !errors.Is(err, domain.ErrStoreFull) {
		t.Fatalf("expected ErrStoreFull, got %v", err)
	}
}

func TestFallbackToTempWhenPersistentFull(t *testing.T) {
	r := testReport("crasher")
	one := reportStoredSize(t, r)

	s, tempRoot, _ := newTestStore(t, 10*one, one)
	id1, err := s.Add(testReport("crasher"))
	require.NoError(t, err)
	id2, err := s.Add(testReport("crasher"))
	require.NoError(t, err)

	_, persistent := s.Usage()
	assert.Equal(t, one, persistent, "first report stays under persistent")
	if _, err := os.Stat(filepath.Join(tempRoot, "crasher", id2.String())); err != nil {
		t.Fatalf("expected second report under temp root: %v", err)
	}
	assert.True(t, s.Contains(id1))
	assert.True(t, s.Contains(id2))
}

func TestRemoveDeletesProgramDirWhenEmpty(t *testing.T) {
	s, _, persistentRoot := newTestStore(t, domain.Mebibyte, domain.Mebibyte)
	id, err := s.Add(testReport("crasher"))
	require.NoError(t, err)

	assert.True(t, s.Remove(id))
	assert.False(t, s.Contains(id))
	if _, err := os.Stat(filepath.Join(persistentRoot, "crasher")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected program directory removed, stat err=%v", err)
	}
	assert.False(t, s.Remove(id), "second remove is a no-op")
}

func TestContainsPurgesVanishedDirectory(t *testing.T) {
	s, _, persistentRoot := newTestStore(t, domain.Mebibyte, domain.Mebibyte)
	id, err := s.Add(testReport("crasher"))
	require.NoError(t, err)

	// Simulate the filesystem deleting content behind our back.
	require.NoError(t, os.RemoveAll(filepath.Join(persistentRoot, "crasher", id.String())))
	assert.False(t, s.Contains(id))

	_, err = s.Get(id)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
}

func TestRebuildFromFilesystem(t *testing.T) {
	tempRoot := filepath.Join(t.TempDir(), "cache", "reports")
	persistentRoot := filepath.Join(t.TempDir(), "reports")
	cfg := store.Config{
		TempRoot:          tempRoot,
		TempMaxSize:       domain.Mebibyte,
		PersistentRoot:    persistentRoot,
		PersistentMaxSize: domain.Mebibyte,
	}
	s, err := store.New(cfg)
	require.NoError(t, err)
	id, err := s.Add(testReport("crasher"))
	require.NoError(t, err)

	// Leftover empty directory from a crashed delete should be purged.
	empty := filepath.Join(persistentRoot, "ghost", "42")
	require.NoError(t, os.MkdirAll(empty, 0o700))

	reopened, err := store.New(cfg)
	require.NoError(t, err)
	assert.True(t, reopened.Contains(id))
	if _, err := os.Stat(filepath.Join(persistentRoot, "ghost")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ghost program dir purged, stat err=%v", err)
	}

	got, err := reopened.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "crasher", got.ProgramName)
	assert.Equal(t, []byte("minidump-bytes"), got.Minidump)

	// Ids keep increasing across restarts.
	next, err := reopened.Add(testReport("crasher"))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

// reportStoredSize computes the on-disk footprint of r by filing it into a
// throwaway store.
func reportStoredSize(t *testing.T, r *domain.Report) domain.StorageSize {
	t.Helper()
	s, _, _ := newTestStore(t, domain.Mebibyte, domain.Mebibyte)
	cp := *r
	if _, err := s.Add(&cp); err != nil {
		t.Fatalf("probe add: %v", err)
	}
	_, persistent := s.Usage()
	if persistent == 0 {
		t.Fatal("probe report has zero size")
	}
	return persistent
}
