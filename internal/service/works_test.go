package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfoliohub/portfolio/internal/domain"
	"github.com/portfoliohub/portfolio/internal/repository"
	"github.com/portfoliohub/portfolio/internal/repository/postgres"
	"github.com/portfoliohub/portfolio/internal/storage"
	"github.com/portfoliohub/portfolio/internal/storage/local"
	"github.com/portfoliohub/portfolio/internal/upload"
	"github.com/portfoliohub/portfolio/pkg/database"
	apperrors "github.com/portfoliohub/portfolio/pkg/errors"
)

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

var fixedNow = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

const owner = "owner-1"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc   *WorksService
	mock  pgxmock.PgxPoolIface
	blobs *local.Storage
	fault *faultyStorage
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	blobs, err := local.New(t.TempDir(), quietLogger())
	require.NoError(t, err)
	fault := &faultyStorage{Storage: blobs}

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	svc := NewWorksService(postgres.NewStore(mock), fault, quietLogger(), opts...)
	return &fixture{svc: svc, mock: mock, blobs: blobs, fault: fault}
}

// storedKeys lists blobs under the works scope.
func (f *fixture) storedKeys(t *testing.T) []string {
	t.Helper()
	objects, err := f.blobs.List(context.Background(), storage.WorksScope)
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	return keys
}

func (f *fixture) putBlob(t *testing.T, data string) string {
	t.Helper()
	res, err := f.blobs.Upload(context.Background(), &storage.UploadInput{
		Scope: storage.WorksScope, Extension: ".png", Data: strings.NewReader(data),
	})
	require.NoError(t, err)
	return res.Key
}

func image(name, data string) upload.Candidate {
	return upload.Candidate{FileName: name, Size: int64(len(data)), Data: strings.NewReader(data)}
}

func images(n int) []upload.Candidate {
	out := make([]upload.Candidate, n)
	for i := range out {
		out[i] = image("pic.png", "png-bytes")
	}
	return out
}

// faultyStorage wraps a real storage and injects failures.
type faultyStorage struct {
	storage.Storage
	mu           sync.Mutex
	uploads      int
	failUploadAt int
	panicUpload  bool
	failDelete   bool
}

func (f *faultyStorage) Upload(ctx context.Context, in *storage.UploadInput) (*storage.UploadResult, error) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	f.mu.Unlock()

	if f.panicUpload && n > 1 {
		panic("disk controller exploded")
	}
	if n == f.failUploadAt {
		return nil, errors.New("no space left on device")
	}
	return f.Storage.Upload(ctx, in)
}

func (f *faultyStorage) Delete(ctx context.Context, key string) error {
	if f.failDelete {
		return errors.New("permission denied")
	}
	return f.Storage.Delete(ctx, key)
}

type recordingEvents struct {
	created []int64
	deleted []int64
	err     error
}

func (r *recordingEvents) PublishItemCreated(_ context.Context, item *domain.PortfolioItem) error {
	r.created = append(r.created, item.ID)
	return r.err
}

func (r *recordingEvents) PublishItemDeleted(_ context.Context, item *domain.PortfolioItem) error {
	r.deleted = append(r.deleted, item.ID)
	return r.err
}

type mapCache struct {
	owner       map[string][]domain.PortfolioItem
	public      map[string]*domain.PublicPortfolio
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{owner: map[string][]domain.PortfolioItem{}, public: map[string]*domain.PublicPortfolio{}}
}

func (c *mapCache) GetOwnerItems(_ context.Context, id string) ([]domain.PortfolioItem, bool) {
	items, ok := c.owner[id]
	return items, ok
}
func (c *mapCache) SetOwnerItems(_ context.Context, id string, items []domain.PortfolioItem) {
	c.owner[id] = items
}
func (c *mapCache) GetPublicItems(_ context.Context, id string) (*domain.PublicPortfolio, bool) {
	pp, ok := c.public[id]
	return pp, ok
}
func (c *mapCache) SetPublicItems(_ context.Context, id string, pp *domain.PublicPortfolio) {
	c.public[id] = pp
}
func (c *mapCache) Invalidate(_ context.Context, id string) {
	delete(c.owner, id)
	delete(c.public, id)
	c.invalidated = append(c.invalidated, id)
}

// Expectation builders mirror the statements the repositories issue.

func expectInsertItem(m pgxmock.PgxPoolIface, title, visibility string, id int64) {
	m.ExpectQuery("INSERT INTO portfolio_items").
		WithArgs(owner, title, pgxmock.AnyArg(), visibility, pgxmock.AnyArg(), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))
}

func expectInsertMedia(m pgxmock.PgxPoolIface, id int64) {
	m.ExpectQuery("INSERT INTO media_files").
		WithArgs(owner, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))
}

func expectAttach(m pgxmock.PgxPoolIface, itemID, mediaID int64, order int) {
	m.ExpectQuery("INSERT INTO portfolio_media").
		WithArgs(itemID, mediaID, order).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(mediaID + 100))
}

var itemCols = []string{"id", "owner_user_id", "title", "description", "visibility", "is_pinned", "created_at", "updated_at"}

var linkCols = []string{
	"id", "portfolio_item_id", "media_file_id", "sort_order",
	"owner_user_id", "stored_path", "original_file_name", "content_type", "size_bytes", "created_at",
}

func expectLoadForUpdate(m pgxmock.PgxPoolIface, itemID int64, paths ...string) {
	m.ExpectQuery(`FROM portfolio_items\s+WHERE id = \$1 AND owner_user_id = \$2 FOR UPDATE`).
		WithArgs(itemID, owner).
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow(itemID, owner, "Sunset", "", "public", false, fixedNow, (*time.Time)(nil)))
	rows := pgxmock.NewRows(linkCols)
	for i, p := range paths {
		rows.AddRow(int64(i+1), itemID, int64(i+10), i, owner, p, "a.png", "image/png", int64(3), fixedNow)
	}
	m.ExpectQuery("FROM portfolio_media pm").WithArgs([]int64{itemID}).WillReturnRows(rows)
}

// ----------------------------------------------------------------------------
// CreateItem: success paths
// ----------------------------------------------------------------------------

func TestCreateItem_TwoImages(t *testing.T) {
	events := &recordingEvents{}
	cache := newMapCache()
	f := newFixture(t, WithEvents(events), WithCache(cache))

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "Sunset", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	expectInsertMedia(f.mock, 8)
	expectAttach(f.mock, 41, 8, 1)
	f.mock.ExpectCommit()

	res, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "  Sunset  "},
		Images:     []upload.Candidate{image("first.png", "aaa"), image("second.PNG", "bbbb")},
	})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	item := res.Item
	assert.Equal(t, int64(41), item.ID)
	assert.Equal(t, "Sunset", item.Title)
	assert.Equal(t, domain.VisibilityPublic, item.Visibility)
	assert.Empty(t, res.Rejected)

	require.Len(t, item.Media, 2)
	assert.Equal(t, 0, item.Media[0].SortOrder)
	assert.Equal(t, 1, item.Media[1].SortOrder)
	assert.Equal(t, "first.png", item.Media[0].Media.OriginalFileName)
	assert.Equal(t, "image/png", item.Media[1].Media.ContentType)
	assert.Equal(t, int64(4), item.Media[1].Media.SizeBytes)

	assert.ElementsMatch(t, item.StoredPaths(), f.storedKeys(t))
	for _, p := range item.StoredPaths() {
		rc, err := f.blobs.Open(context.Background(), p)
		require.NoError(t, err)
		rc.Close()
	}

	assert.Equal(t, []int64{41}, events.created)
	assert.Equal(t, []string{owner}, cache.invalidated)
}

func TestCreateItem_NoImages(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "Text only", "private", 5)
	f.mock.ExpectCommit()

	res, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "Text only", Visibility: "Private"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Item.Media)
	assert.NotNil(t, res.Item.Media)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_PartialAcceptance(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "Mixed", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	f.mock.ExpectCommit()

	res, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "Mixed"},
		Images:     []upload.Candidate{image("photo.jpg", "jpg"), image("setup.exe", "MZ")},
	})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Len(t, res.Item.Media, 1)
	assert.Equal(t, "image/jpeg", res.Item.Media[0].Media.ContentType)
	assert.Equal(t, map[string]string{"images[1]": "file type .exe is not supported"}, res.Rejected)
	assert.Len(t, f.storedKeys(t), 1)
}

func TestCreateItem_EmptySlotsSkippedKeepGaplessOrder(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "Gaps", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	expectInsertMedia(f.mock, 8)
	expectAttach(f.mock, 41, 8, 1)
	f.mock.ExpectCommit()

	res, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "Gaps"},
		Images: []upload.Candidate{
			{FileName: "empty.png"},
			image("a.png", "a"),
			{FileName: "", Size: 0},
			image("b.webp", "b"),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, "a.png", res.Item.Media[0].Media.OriginalFileName)
	assert.Equal(t, "b.webp", res.Item.Media[1].Media.OriginalFileName)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ----------------------------------------------------------------------------
// CreateItem: validation, no side effects
// ----------------------------------------------------------------------------

func TestCreateItem_CountCapRejectsBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "Too many"},
		Images:     images(6),
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	assert.Contains(t, appErr.Fields, "images")
	assert.Empty(t, f.storedKeys(t))
	assert.Zero(t, f.fault.uploads)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no transaction opened")
}

func TestCreateItem_FieldValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		in    ItemFields
		field string
	}{
		{"blank title", ItemFields{Title: "   "}, "title"},
		{"long title", ItemFields{Title: strings.Repeat("t", 121)}, "title"},
		{"long description", ItemFields{Title: "ok", Description: strings.Repeat("d", 3001)}, "description"},
		{"unknown visibility", ItemFields{Title: "ok", Visibility: "friends"}, "visibility"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{ItemFields: tt.in, Images: images(1)})
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Contains(t, appErr.Fields, tt.field)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
	assert.Empty(t, f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_TitleLimitCountsRunes(t *testing.T) {
	f := newFixture(t)

	title := strings.Repeat("ж", 120)
	f.mock.ExpectBegin()
	expectInsertItem(f.mock, title, "public", 1)
	f.mock.ExpectCommit()

	_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{ItemFields: ItemFields{Title: title}})
	require.NoError(t, err)
}

func TestCreateItem_StrictUploadsRejectsWholeAttempt(t *testing.T) {
	f := newFixture(t, WithStrictUploads(true))

	_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "Strict"},
		Images:     []upload.Candidate{image("photo.jpg", "jpg"), image("setup.exe", "MZ")},
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "file type .exe is not supported", appErr.Fields["images[1]"])
	assert.Empty(t, f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_RequiresOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateItem(context.Background(), "", CreateItemInput{ItemFields: ItemFields{Title: "x"}, Images: images(1)})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Empty(t, f.storedKeys(t))
}

// ----------------------------------------------------------------------------
// CreateItem: abort and compensating cleanup
// ----------------------------------------------------------------------------

func assertOperationFailed(t *testing.T, err error) {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "OPERATION_FAILED", appErr.Code)
	assert.Equal(t, apperrors.OperationFailedMessage, appErr.Message)
	assert.ErrorIs(t, err, apperrors.ErrOperationFailed)
}

func TestCreateItem_SecondWriteFails(t *testing.T) {
	f := newFixture(t)
	f.fault.failUploadAt = 2
	events := &recordingEvents{}
	f.svc.events = events

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "Sunset", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	f.mock.ExpectRollback()

	_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "Sunset"},
		Images:     []upload.Candidate{image("a.png", "aaa"), image("b.png", "bbb")},
	})

	assertOperationFailed(t, err)
	assert.Contains(t, err.Error(), "no space left on device")
	assert.Empty(t, f.storedKeys(t), "first image must be removed")
	assert.Empty(t, events.created)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// Each case fails a different step of the Writing/Persisting phases; the
// upload directory must look the same before and after.
func TestCreateItem_NoOrphanOnFailureAtEachStep(t *testing.T) {
	dbErr := errors.New("db exploded")
	twoImages := func() []upload.Candidate {
		return []upload.Candidate{image("a.png", "aaa"), image("b.png", "bbb")}
	}

	tests := []struct {
		name   string
		expect func(m pgxmock.PgxPoolIface)
	}{
		{
			name: "begin fails",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectBegin().WillReturnError(dbErr)
			},
		},
		{
			name: "item insert fails",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectBegin()
				m.ExpectQuery("INSERT INTO portfolio_items").WillReturnError(dbErr)
				m.ExpectRollback()
			},
		},
		{
			name: "first media insert fails",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectBegin()
				expectInsertItem(m, "T", "public", 41)
				m.ExpectQuery("INSERT INTO media_files").WillReturnError(dbErr)
				m.ExpectRollback()
			},
		},
		{
			name: "second link insert fails",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectBegin()
				expectInsertItem(m, "T", "public", 41)
				expectInsertMedia(m, 7)
				expectAttach(m, 41, 7, 0)
				expectInsertMedia(m, 8)
				m.ExpectQuery("INSERT INTO portfolio_media").WillReturnError(dbErr)
				m.ExpectRollback()
			},
		},
		{
			name: "commit fails",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectBegin()
				expectInsertItem(m, "T", "public", 41)
				expectInsertMedia(m, 7)
				expectAttach(m, 41, 7, 0)
				expectInsertMedia(m, 8)
				expectAttach(m, 41, 8, 1)
				m.ExpectCommit().WillReturnError(dbErr)
				m.ExpectRollback()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			existing := f.putBlob(t, "belongs to another item")
			before := f.storedKeys(t)

			tt.expect(f.mock)
			_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
				ItemFields: ItemFields{Title: "T"},
				Images:     twoImages(),
			})

			assertOperationFailed(t, err)
			assert.ErrorIs(t, err, dbErr)
			assert.Equal(t, before, f.storedKeys(t))
			assert.Contains(t, f.storedKeys(t), existing)
			assert.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

// cancelingReader cancels the request while its stream is being copied.
type cancelingReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelingReader) Read(p []byte) (int, error) {
	c.cancel()
	return c.r.Read(p)
}

func TestCreateItem_CancellationMidWritingCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "T", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	f.mock.ExpectRollback()

	second := upload.Candidate{
		FileName: "b.png", Size: 6,
		Data: &cancelingReader{r: strings.NewReader("bbbbbb"), cancel: cancel},
	}
	_, err := f.svc.CreateItem(ctx, owner, CreateItemInput{
		ItemFields: ItemFields{Title: "T"},
		Images:     []upload.Candidate{image("a.png", "aaa"), second},
	})

	assertOperationFailed(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// cancelAtCommitStore cancels the request context as Commit is reached and
// records whether the context Commit received was already done.
type cancelAtCommitStore struct {
	repository.Store
	cancel    context.CancelFunc
	commitErr error
	commits   int
}

func (s *cancelAtCommitStore) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cancelAtCommitTx{Tx: tx, store: s}, nil
}

type cancelAtCommitTx struct {
	repository.Tx
	store *cancelAtCommitStore
}

func (tx *cancelAtCommitTx) Commit(ctx context.Context) error {
	tx.store.cancel()
	tx.store.commits++
	tx.store.commitErr = ctx.Err()
	return tx.Tx.Commit(ctx)
}

func newCancelAtCommit(t *testing.T, f *fixture, cancel context.CancelFunc) (*WorksService, *cancelAtCommitStore) {
	t.Helper()
	store := &cancelAtCommitStore{Store: postgres.NewStore(f.mock), cancel: cancel}
	svc := NewWorksService(store, f.fault, quietLogger(), WithClock(func() time.Time { return fixedNow }))
	return svc, store
}

func TestCreateItem_CancelAtCommitKeepsItem(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store := newCancelAtCommit(t, f, cancel)

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "T", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	f.mock.ExpectCommit()

	res, err := svc.CreateItem(ctx, owner, CreateItemInput{
		ItemFields: ItemFields{Title: "T"},
		Images:     []upload.Candidate{image("a.png", "aaa")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.commits)
	assert.NoError(t, store.commitErr)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.Equal(t, res.Item.StoredPaths(), f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteItem_CancelAtCommitStillRemovesBlobs(t *testing.T) {
	f := newFixture(t)
	a := f.putBlob(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store := newCancelAtCommit(t, f, cancel)

	f.mock.ExpectBegin()
	expectLoadForUpdate(f.mock, 41, a)
	f.mock.ExpectExec("DELETE FROM portfolio_media").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectExec("DELETE FROM media_files").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectExec("DELETE FROM portfolio_items").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectCommit()

	require.NoError(t, svc.DeleteItem(ctx, owner, 41))
	assert.NoError(t, store.commitErr)
	assert.Empty(t, f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_PanicStillCleansUp(t *testing.T) {
	f := newFixture(t)
	f.fault.panicUpload = true

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "T", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	f.mock.ExpectRollback()

	assert.Panics(t, func() {
		_, _ = f.svc.CreateItem(context.Background(), owner, CreateItemInput{
			ItemFields: ItemFields{Title: "T"},
			Images:     []upload.Candidate{image("a.png", "aaa"), image("b.png", "bbb")},
		})
	})
	assert.Empty(t, f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_CleanupFailureStillReportsOperationFailed(t *testing.T) {
	f := newFixture(t)
	f.fault.failUploadAt = 2
	f.fault.failDelete = true

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "T", "public", 41)
	expectInsertMedia(f.mock, 7)
	expectAttach(f.mock, 41, 7, 0)
	f.mock.ExpectRollback()

	_, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{
		ItemFields: ItemFields{Title: "T"},
		Images:     []upload.Candidate{image("a.png", "aaa"), image("b.png", "bbb")},
	})
	assertOperationFailed(t, err)
	// The leftover is for the sweeper.
	assert.Len(t, f.storedKeys(t), 1)
}

func TestCreateItem_EventFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t, WithEvents(&recordingEvents{err: errors.New("circuit breaker is open")}))

	f.mock.ExpectBegin()
	expectInsertItem(f.mock, "T", "public", 41)
	f.mock.ExpectCommit()

	res, err := f.svc.CreateItem(context.Background(), owner, CreateItemInput{ItemFields: ItemFields{Title: "T"}})
	require.NoError(t, err)
	assert.Equal(t, int64(41), res.Item.ID)
}

// ----------------------------------------------------------------------------
// DeleteItem / PurgeOwner
// ----------------------------------------------------------------------------

func TestDeleteItem_RemovesRowsThenBlobs(t *testing.T) {
	events := &recordingEvents{}
	f := newFixture(t, WithEvents(events))
	a := f.putBlob(t, "a")
	b := f.putBlob(t, "b")
	other := f.putBlob(t, "someone else's")

	f.mock.ExpectBegin()
	expectLoadForUpdate(f.mock, 41, a, b)
	f.mock.ExpectExec("DELETE FROM portfolio_media").WithArgs(int64(41)).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	f.mock.ExpectExec("DELETE FROM media_files").WithArgs([]int64{10, 11}).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	f.mock.ExpectExec("DELETE FROM portfolio_items").WithArgs(int64(41), owner).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.svc.DeleteItem(context.Background(), owner, 41))
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.Equal(t, []string{other}, f.storedKeys(t))
	assert.Equal(t, []int64{41}, events.deleted)
}

func TestDeleteItem_ForeignOrMissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	kept := f.putBlob(t, "kept")

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM portfolio_items").WithArgs(int64(41), owner).WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectRollback()

	err := f.svc.DeleteItem(context.Background(), owner, 41)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, apperrors.HTTPStatus(err))
	assert.Equal(t, []string{kept}, f.storedKeys(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteItem_BlobFailureIsNotAnError(t *testing.T) {
	f := newFixture(t)
	a := f.putBlob(t, "a")
	f.fault.failDelete = true

	f.mock.ExpectBegin()
	expectLoadForUpdate(f.mock, 41, a)
	f.mock.ExpectExec("DELETE FROM portfolio_media").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectExec("DELETE FROM media_files").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectExec("DELETE FROM portfolio_items").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectCommit()

	assert.NoError(t, f.svc.DeleteItem(context.Background(), owner, 41))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteItem_CommitFailureKeepsBlobs(t *testing.T) {
	f := newFixture(t)
	a := f.putBlob(t, "a")

	f.mock.ExpectBegin()
	expectLoadForUpdate(f.mock, 41, a)
	f.mock.ExpectExec("DELETE FROM portfolio_media").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectExec("DELETE FROM media_files").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectExec("DELETE FROM portfolio_items").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	f.mock.ExpectRollback()

	err := f.svc.DeleteItem(context.Background(), owner, 41)
	require.Error(t, err)
	assert.Equal(t, []string{a}, f.storedKeys(t))
}

func TestPurgeOwner(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery("SELECT id FROM portfolio_items").WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	f.mock.ExpectBegin()
	expectLoadForUpdate(f.mock, 1)
	f.mock.ExpectExec("DELETE FROM portfolio_media").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	f.mock.ExpectExec("DELETE FROM portfolio_items").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectCommit()

	// Item 2 vanished concurrently.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM portfolio_items").WithArgs(int64(2), owner).WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectRollback()

	n, err := f.svc.PurgeOwner(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ----------------------------------------------------------------------------
// Reads and updates
// ----------------------------------------------------------------------------

func TestUpdateItemFields(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithCache(cache))

	f.mock.ExpectBegin()
	expectLoadForUpdate(f.mock, 41, "uploads/works/a.png")
	f.mock.ExpectExec("UPDATE portfolio_items").
		WithArgs("New title", "desc", "unlisted", true, pgxmock.AnyArg(), int64(41), owner).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectCommit()

	item, err := f.svc.UpdateItemFields(context.Background(), owner, 41, ItemFields{
		Title: " New title ", Description: "desc ", Visibility: "unlisted", IsPinned: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "New title", item.Title)
	require.NotNil(t, item.UpdatedAt)
	assert.Equal(t, fixedNow, *item.UpdatedAt)
	assert.Len(t, item.Media, 1, "media untouched")
	assert.Equal(t, []string{owner}, cache.invalidated)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateItemFields_NotFound(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM portfolio_items").WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectRollback()

	_, err := f.svc.UpdateItemFields(context.Background(), owner, 41, ItemFields{Title: "x"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListItems_UsesCache(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, WithCache(cache))

	f.mock.ExpectQuery(`FROM portfolio_items WHERE owner_user_id = \$1 ORDER BY`).WithArgs(owner).
		WillReturnRows(pgxmock.NewRows(itemCols).AddRow(int64(1), owner, "A", "", "private", false, fixedNow, (*time.Time)(nil)))
	f.mock.ExpectQuery("FROM portfolio_media pm").WithArgs([]int64{1}).WillReturnRows(pgxmock.NewRows(linkCols))

	items, err := f.svc.ListItems(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Served from the cache: no further expectations.
	again, err := f.svc.ListItems(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, items, again)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListPublicItems(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`visibility = 'public'`).WithArgs(owner).
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow(int64(2), owner, "Pinned", "", "public", true, fixedNow, (*time.Time)(nil)).
			AddRow(int64(1), owner, "Plain", "", "public", false, fixedNow, (*time.Time)(nil)))
	f.mock.ExpectQuery("FROM portfolio_media pm").WillReturnRows(pgxmock.NewRows(linkCols))

	pp, err := f.svc.ListPublicItems(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, pp.Works, 2)
	require.Len(t, pp.Pinned, 1)
	assert.Equal(t, "Pinned", pp.Pinned[0].Title)
}

func TestGetItem_RequiresOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetItem(context.Background(), "", 1)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

var attachedCols = []string{
	"id", "owner_user_id", "stored_path", "original_file_name", "content_type", "size_bytes", "created_at",
	"item_id", "item_owner", "visibility",
}

func TestOpenMedia(t *testing.T) {
	f := newFixture(t)
	key := f.putBlob(t, "image-bytes")

	expectAttached := func(visibility string) {
		f.mock.ExpectQuery("FROM media_files mf").WithArgs(int64(7)).
			WillReturnRows(pgxmock.NewRows(attachedCols).
				AddRow(int64(7), owner, key, "a.png", "image/png", int64(11), fixedNow, int64(41), owner, visibility))
	}

	expectAttached("unlisted")
	mc, err := f.svc.OpenMedia(context.Background(), "", 7)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, mc.Body)
	mc.Body.Close()
	assert.Equal(t, "image-bytes", buf.String())
	assert.Equal(t, "image/png", mc.ContentType)

	expectAttached("private")
	_, err = f.svc.OpenMedia(context.Background(), "someone-else", 7)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	expectAttached("private")
	mc, err = f.svc.OpenMedia(context.Background(), owner, 7)
	require.NoError(t, err)
	mc.Body.Close()

	require.NoError(t, f.blobs.Delete(context.Background(), key))
	expectAttached("public")
	_, err = f.svc.OpenMedia(context.Background(), "", 7)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "dangling row reads as not found")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
