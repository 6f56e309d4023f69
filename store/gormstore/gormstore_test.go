package gormstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/editqueue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:editqueue_%d?mode=memory&cache=shared", time.Now().UnixNano())
	s, err := Open(dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDetectDialect(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":        DialectPostgres,
		"postgresql://localhost/db":          DialectPostgres,
		"host=localhost dbname=x user=y":     DialectPostgres,
		"file:test.db?cache=shared":          DialectSQLite,
		"sqlite:///tmp/edits.db":             DialectSQLite,
		":memory:":                           DialectSQLite,
		"data/edits.db":                      DialectSQLite,
	}
	for dsn, want := range cases {
		got, err := DetectDialect(dsn)
		require.NoError(t, err, dsn)
		assert.Equal(t, want, got, dsn)
	}

	_, err := DetectDialect("mysql://localhost/db")
	assert.Error(t, err)
}

func TestNormalizeSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db", normalizeSQLiteDSN("sqlite:///tmp/a.db"))
	assert.Equal(t, ":memory:", normalizeSQLiteDSN(":memory:"))
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestStore_EditLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created, err := s.CreateEdit(ctx, editqueue.EditRequest{
		UserID:        "u1",
		InputImageURL: "uploads/in.png",
		Prompt:        "make it blue",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, editqueue.StatusQueued, created.Status)
	assert.Equal(t, editqueue.QualityStandard, created.Quality)
	assert.Equal(t, editqueue.DefaultModel, created.Model)

	got, err := s.GetEdit(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Prompt, got.Prompt)
	assert.Equal(t, editqueue.StatusQueued, got.Status)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = s.UpdateEdit(ctx, created.ID, editqueue.EditUpdate{
		Status:   editqueue.Ptr(editqueue.StatusProcessing),
		Metadata: &editqueue.Metadata{StartedAt: &started, Attempts: 1},
	})
	require.NoError(t, err)

	done := started.Add(3 * time.Second)
	err = s.UpdateEdit(ctx, created.ID, editqueue.EditUpdate{
		Status:         editqueue.Ptr(editqueue.StatusCompleted),
		OutputImageURL: editqueue.Ptr("/uploads/ai-edits/" + created.ID + ".png"),
		Cost:           editqueue.Ptr(int64(4)),
		CompletedAt:    &done,
	})
	require.NoError(t, err)

	got, err = s.GetEdit(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, editqueue.StatusCompleted, got.Status)
	assert.Equal(t, int64(4), got.Cost)
	assert.Equal(t, 1, got.Metadata.Attempts)
	require.NotNil(t, got.Metadata.StartedAt)
	assert.True(t, started.Equal(*got.Metadata.StartedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
}

func TestStore_CreateEdit_Invalid(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateEdit(context.Background(), editqueue.EditRequest{UserID: "u1"})
	assert.ErrorIs(t, err, editqueue.ErrInvalidEdit)
}

func TestStore_CreateEdit_DuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	e := editqueue.EditRequest{ID: "e1", UserID: "u1", InputImageURL: "a.png", Prompt: "p"}

	_, err := s.CreateEdit(ctx, e)
	require.NoError(t, err)
	_, err = s.CreateEdit(ctx, e)
	assert.ErrorIs(t, err, editqueue.ErrInvalidEditID)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetEdit(ctx, "missing")
	assert.ErrorIs(t, err, editqueue.ErrEditNotFound)

	err = s.UpdateEdit(ctx, "missing", editqueue.EditUpdate{Status: editqueue.Ptr(editqueue.StatusFailed)})
	assert.ErrorIs(t, err, editqueue.ErrEditNotFound)
}

func TestStore_ListUserEdits(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.CreateEdit(ctx, editqueue.EditRequest{
			ID:            fmt.Sprintf("e%d", i),
			UserID:        "u1",
			InputImageURL: "a.png",
			Prompt:        "p",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.CreateEdit(ctx, editqueue.EditRequest{UserID: "u2", InputImageURL: "a.png", Prompt: "p"})
	require.NoError(t, err)

	edits, err := s.ListUserEdits(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, edits, 2)
	assert.Equal(t, "e2", edits[0].ID)
	assert.Equal(t, "e1", edits[1].ID)

	edits, err = s.ListUserEdits(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, edits, 3)
}

func TestStore_Usage(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithFreeLimit(2), WithClock(clock.Now))

	q, err := s.Quota(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, q.CanUse)
	assert.Equal(t, int64(2), q.Remaining)

	require.NoError(t, s.IncrementUsage(ctx, "u1", true, 0))
	require.NoError(t, s.IncrementUsage(ctx, "u1", false, 7))
	require.NoError(t, s.IncrementUsage(ctx, "u1", true, 0))

	u, err := s.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03", u.Month)
	assert.Equal(t, int64(2), u.FreeRequests)
	assert.Equal(t, int64(1), u.PaidRequests)
	assert.Equal(t, int64(7), u.TotalCost)

	q, err = s.Quota(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, q.CanUse)
	assert.Equal(t, int64(0), q.Remaining)
}

func TestStore_UsageMonthRollover(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.Now))

	require.NoError(t, s.IncrementUsage(ctx, "u1", true, 0))
	require.NoError(t, s.IncrementUsage(ctx, "u1", false, 3))

	clock.Set(time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC))

	u, err := s.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2026-04", u.Month)
	assert.Zero(t, u.FreeRequests)
	assert.Zero(t, u.TotalCost)

	require.NoError(t, s.IncrementUsage(ctx, "u1", true, 0))
	u, err = s.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.FreeRequests)
	assert.Zero(t, u.PaidRequests)
	assert.Zero(t, u.TotalCost)
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementUsage(ctx, "u1", true, 1))
		}()
	}
	wg.Wait()

	u, err := s.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.FreeRequests)
	assert.Equal(t, int64(20), u.TotalCost)
}

func TestStore_TablePrefix(t *testing.T) {
	s := openTestStore(t, WithTablePrefix("eq_"))
	assert.Equal(t, "eq_user_ai_usages", s.usageTable)
	assert.True(t, s.db.Migrator().HasTable("eq_ai_edit_requests"))
}
