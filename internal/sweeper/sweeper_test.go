package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/internal/repository/postgres"
	"github.com/portfoliohub/portfolio/internal/storage"
	"github.com/portfoliohub/portfolio/internal/storage/local"
	"github.com/portfoliohub/portfolio/internal/storage/memory"
	"github.com/portfoliohub/portfolio/pkg/database"
)

var now = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

const (
	oldA   = "uploads/works/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.png"
	oldB   = "uploads/works/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb.jpg"
	fresh  = "uploads/works/cccccccccccccccccccccccccccccccc.webp"
	known  = "uploads/works/dddddddddddddddddddddddddddddddd.png"
	manual = "uploads/works/README.txt"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIndex is an in-memory media registry.
type fakeIndex struct {
	refs         []repository.StoredRef
	lookups      int
	existingErr  error
	listRefsErr  error
	listRefsCall int
}

func (f *fakeIndex) ExistingPaths(_ context.Context, paths []string) (map[string]bool, error) {
	f.lookups++
	if f.existingErr != nil {
		return nil, f.existingErr
	}
	found := map[string]bool{}
	for _, p := range paths {
		for _, r := range f.refs {
			if r.StoredPath == p {
				found[p] = true
			}
		}
	}
	return found, nil
}

func (f *fakeIndex) ListRefs(_ context.Context, afterID int64, limit int) ([]repository.StoredRef, error) {
	f.listRefsCall++
	if f.listRefsErr != nil {
		return nil, f.listRefsErr
	}
	var out []repository.StoredRef
	for _, r := range f.refs {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type failingDelete struct {
	*memory.Storage
}

func (failingDelete) Delete(context.Context, string) error { return errors.New("read-only file system") }

func seed(store *memory.Storage) {
	old := now.Add(-2 * time.Hour)
	store.Put(oldA, []byte("a"), old)
	store.Put(oldB, []byte("b"), old)
	store.Put(fresh, []byte("c"), now.Add(-5*time.Minute))
	store.Put(known, []byte("d"), old)
	store.Put(manual, []byte("hands off"), old)
	store.Put("uploads/avatars/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee.png", []byte("e"), old)
}

func newSweeper(blobs storage.Storage, index MediaIndex, cfg Config) *Sweeper {
	s := New(blobs, index, cfg, quietLogger())
	s.now = func() time.Time { return now }
	return s
}

// ---------------------------------------------------------------------------
// Orphans
// ---------------------------------------------------------------------------

func TestRun_DeletesAgedUnreferencedBlobs(t *testing.T) {
	store := memory.New()
	seed(store)
	index := &fakeIndex{refs: []repository.StoredRef{{ID: 1, StoredPath: known}}}

	report, err := newSweeper(store, index, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, []string{oldA, oldB}, report.Orphans)
	assert.Equal(t, 2, report.Deleted)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Dangling)

	keys := store.Keys()
	assert.NotContains(t, keys, oldA)
	assert.NotContains(t, keys, oldB)
	assert.Contains(t, keys, fresh, "inside grace period")
	assert.Contains(t, keys, known, "referenced by a row")
	assert.Contains(t, keys, manual, "not a generated name")
	assert.Contains(t, keys, "uploads/avatars/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee.png", "outside scope")
}

func TestRun_DryRunReportsOnly(t *testing.T) {
	store := memory.New()
	seed(store)
	cfg := DefaultConfig()
	cfg.DryRun = true

	report, err := newSweeper(store, &fakeIndex{}, cfg).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.ElementsMatch(t, []string{oldA, oldB, known}, report.Orphans)
	assert.Zero(t, report.Deleted)
	assert.Len(t, store.Keys(), 6)
}

func TestRun_ZeroGraceIncludesFreshBlobs(t *testing.T) {
	store := memory.New()
	seed(store)
	cfg := DefaultConfig()
	cfg.Grace = 0
	cfg.DryRun = true

	report, err := newSweeper(store, &fakeIndex{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Orphans, fresh)
}

func TestRun_BatchesRegistryLookups(t *testing.T) {
	store := memory.New()
	seed(store)
	index := &fakeIndex{}
	cfg := DefaultConfig()
	cfg.BatchSize = 1

	report, err := newSweeper(store, index, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, index.lookups)
	assert.Equal(t, 3, report.Deleted)
}

func TestRun_DeleteFailuresAreCounted(t *testing.T) {
	store := memory.New()
	seed(store)

	report, err := newSweeper(failingDelete{store}, &fakeIndex{}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Failed)
	assert.Zero(t, report.Deleted)
}

func TestRun_RegistryErrorFailsRun(t *testing.T) {
	store := memory.New()
	seed(store)
	index := &fakeIndex{existingErr: errors.New("connection refused")}

	_, err := newSweeper(store, index, DefaultConfig()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, store.Keys(), 6, "nothing deleted without a registry answer")
}

// ---------------------------------------------------------------------------
// Dangling rows
// ---------------------------------------------------------------------------

func TestRun_ReportsDanglingRowsAcrossPages(t *testing.T) {
	store := memory.New()
	store.Put(known, []byte("d"), now.Add(-2*time.Hour))
	index := &fakeIndex{refs: []repository.StoredRef{
		{ID: 1, StoredPath: known},
		{ID: 2, StoredPath: "uploads/works/gone.png"},
		{ID: 5, StoredPath: "uploads/works/also-gone.png"},
	}}
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	report, err := newSweeper(store, index, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []repository.StoredRef{
		{ID: 2, StoredPath: "uploads/works/gone.png"},
		{ID: 5, StoredPath: "uploads/works/also-gone.png"},
	}, report.Dangling)
	assert.Equal(t, 2, index.listRefsCall)
	assert.Contains(t, store.Keys(), known)
}

func TestRun_ListRefsError(t *testing.T) {
	index := &fakeIndex{listRefsErr: errors.New("timeout")}
	_, err := newSweeper(memory.New(), index, DefaultConfig()).Run(context.Background())
	assert.ErrorContains(t, err, "list media rows")
}

// ---------------------------------------------------------------------------
// Upload temp files
// ---------------------------------------------------------------------------

// tempStore is a local store holding one stale and one fresh temp file.
func tempStore(t *testing.T) (*local.Storage, string, string) {
	t.Helper()
	blobs, err := local.New(t.TempDir(), quietLogger())
	require.NoError(t, err)

	write := func(name string, mod time.Time) string {
		p := filepath.Join(blobs.Root(), ".tmp", name)
		require.NoError(t, os.WriteFile(p, []byte("partial"), 0o600))
		require.NoError(t, os.Chtimes(p, mod, mod))
		return p
	}
	return blobs, write("put-stale", now.Add(-2*time.Hour)), write("put-fresh", now.Add(-time.Minute))
}

func TestRun_ReclaimsStaleTempFiles(t *testing.T) {
	blobs, stale, inFlight := tempStore(t)

	report, err := newSweeper(blobs, &fakeIndex{}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleTemp)
	assert.Equal(t, 1, report.TempRemoved)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, inFlight, "inside grace period")
}

func TestRun_DryRunKeepsTempFiles(t *testing.T) {
	blobs, stale, _ := tempStore(t)
	cfg := DefaultConfig()
	cfg.DryRun = true

	report, err := newSweeper(blobs, &fakeIndex{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleTemp)
	assert.Zero(t, report.TempRemoved)
	assert.FileExists(t, stale)
}

func TestRun_StoreWithoutTempFiles(t *testing.T) {
	report, err := newSweeper(memory.New(), &fakeIndex{}, DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.StaleTemp)
}

// ---------------------------------------------------------------------------
// Against the Postgres registry
// ---------------------------------------------------------------------------

func TestRun_WithPostgresRegistry(t *testing.T) {
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	store := memory.New()
	store.Put(oldA, []byte("a"), now.Add(-2*time.Hour))
	store.Put(known, []byte("d"), now.Add(-2*time.Hour))

	mock.ExpectQuery(`SELECT stored_path FROM media_files WHERE stored_path = ANY\(\$1\)`).
		WithArgs([]string{oldA, known}).
		WillReturnRows(pgxmock.NewRows([]string{"stored_path"}).AddRow(known))
	mock.ExpectQuery(`SELECT id, stored_path FROM media_files WHERE id > \$1`).
		WithArgs(int64(0), 500).
		WillReturnRows(pgxmock.NewRows([]string{"id", "stored_path"}).AddRow(int64(9), known))

	report, err := newSweeper(store, postgres.NewMediaRepository(mock), DefaultConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{oldA}, report.Orphans)
	assert.Equal(t, []string{known}, store.Keys())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func TestStart_ZeroIntervalReturnsImmediately(t *testing.T) {
	done := make(chan struct{})
	go func() {
		newSweeper(memory.New(), &fakeIndex{}, DefaultConfig()).Start(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start with zero interval did not return")
	}
}

func TestStart_SweepsUntilCanceled(t *testing.T) {
	store := memory.New()
	seed(store)
	s := newSweeper(store, &fakeIndex{}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ok, _ := store.Exists(context.Background(), oldA)
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not stop after cancel")
	}
}
