package editqueue_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eq "github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/store/memory"
)

func TestPrepareEdit(t *testing.T) {
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.FixedZone("X", 3600))
	e, err := eq.PrepareEdit(eq.EditRequest{
		UserID:         "u1",
		InputImageURL:  "a.png",
		Prompt:         "p",
		Status:         eq.StatusCompleted,
		OutputImageURL: "stale",
		Cost:           9,
	}, now)
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, eq.StatusQueued, e.Status)
	assert.Equal(t, eq.QualityStandard, e.Quality)
	assert.Equal(t, eq.DefaultModel, e.Model)
	assert.Empty(t, e.OutputImageURL)
	assert.Zero(t, e.Cost)
	assert.Equal(t, time.UTC, e.CreatedAt.Location())

	_, err = eq.PrepareEdit(eq.EditRequest{UserID: "u1", InputImageURL: "a", Prompt: "p", Quality: "8k"}, now)
	assert.ErrorIs(t, err, eq.ErrInvalidEdit)

	_, err = eq.PrepareEdit(eq.EditRequest{UserID: "u1", Prompt: "p"}, now)
	assert.ErrorIs(t, err, eq.ErrInvalidEdit)
}

func TestEditUpdate_Apply(t *testing.T) {
	e := eq.EditRequest{Status: eq.StatusQueued, Prompt: "p"}
	done := time.Now()
	eq.EditUpdate{
		Status:      eq.Ptr(eq.StatusCompleted),
		Cost:        eq.Ptr(int64(3)),
		CompletedAt: &done,
	}.Apply(&e)

	assert.Equal(t, eq.StatusCompleted, e.Status)
	assert.Equal(t, int64(3), e.Cost)
	assert.Equal(t, "p", e.Prompt)
	require.NotNil(t, e.CompletedAt)
	assert.True(t, e.Status.Terminal())
	assert.False(t, eq.StatusProcessing.Terminal())
}

func TestMetadata_ValueScan(t *testing.T) {
	started := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	m := eq.Metadata{StartedAt: &started, Attempts: 2, Provider: "local", ErrorType: eq.ErrorAPI}

	v, err := m.Value()
	require.NoError(t, err)

	var got eq.Metadata
	require.NoError(t, got.Scan(v))
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, eq.ErrorAPI, got.ErrorType)

	require.NoError(t, got.Scan(nil))
	assert.Zero(t, got.Attempts)
	assert.Error(t, got.Scan(42))
}

func TestNewQuota(t *testing.T) {
	q := eq.NewQuota(998, 1000)
	assert.True(t, q.CanUse)
	assert.Equal(t, int64(2), q.Remaining)

	q = eq.NewQuota(1200, 1000)
	assert.False(t, q.CanUse)
	assert.Zero(t, q.Remaining)
}

func TestMonthOf(t *testing.T) {
	local := time.Date(2026, 1, 1, 0, 30, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "2025-12", eq.MonthOf(local))
}

func TestPricing(t *testing.T) {
	assert.Equal(t, int64(2), eq.DefaultPricing.Cost(eq.QualityStandard))
	assert.Equal(t, int64(5), eq.DefaultPricing.Cost(eq.QualityHD))
	assert.Equal(t, int64(10), eq.DefaultPricing.Cost("8k"))
}

func TestURLResolver(t *testing.T) {
	r := eq.URLResolver{BaseURL: "http://localhost:5000/"}

	got, err := r.Resolve("/uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/uploads/a.png", got)

	got, err = r.Resolve("https://cdn.example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.png", got)

	_, err = r.Resolve("  ")
	assert.Error(t, err)

	_, err = eq.URLResolver{}.Resolve("uploads/a.png")
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, eq.ParseRetryAfter("30"))
	assert.Equal(t, 1500*time.Millisecond, eq.ParseRetryAfter("1.5"))
	assert.Zero(t, eq.ParseRetryAfter(""))
	assert.Zero(t, eq.ParseRetryAfter("-4"))
	assert.Zero(t, eq.ParseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := eq.ParseRetryAfter(future)
	assert.Greater(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
}

type failingLedger struct{}

func (failingLedger) Quota(context.Context, string) (eq.Quota, error) {
	return eq.Quota{}, errors.New("ledger down")
}
func (failingLedger) IncrementUsage(context.Context, string, bool, int64) error {
	return errors.New("ledger down")
}
func (failingLedger) Usage(context.Context, string) (eq.Usage, error) {
	return eq.Usage{}, errors.New("ledger down")
}

func TestCombineStores(t *testing.T) {
	edits := memory.New()
	repo := eq.CombineStores(edits, failingLedger{})

	e, err := repo.CreateEdit(context.Background(), eq.EditRequest{UserID: "u1", InputImageURL: "a", Prompt: "p"})
	require.NoError(t, err)

	got, err := repo.GetEdit(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = repo.Quota(context.Background(), "u1")
	assert.EqualError(t, err, "ledger down")
}
