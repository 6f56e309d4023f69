package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/internal/api"
	"github.com/ineyio/editqueue/provider/mock"
	resultlocal "github.com/ineyio/editqueue/resultstore/local"
	"github.com/ineyio/editqueue/store/memory"
)

type fixture struct {
	store    *memory.Store
	queue    *editqueue.Queue
	handler  *api.Handler
	server   *httptest.Server
	fallback *mock.Provider
}

func newFixture(t *testing.T, storeOpts []memory.Option, fallbackOpts ...mock.Option) *fixture {
	t.Helper()
	store := memory.New(storeOpts...)
	fallback := mock.New(append([]mock.Option{mock.WithName("local")}, fallbackOpts...)...)
	q, err := editqueue.New(store, resultlocal.New(t.TempDir(), ""), nil, fallback,
		editqueue.WithMaxBatchSize(3),
		editqueue.WithResolver(editqueue.URLResolver{BaseURL: "http://images.test"}),
	)
	require.NoError(t, err)

	h := api.NewHandler(store, q, nil)
	srv := httptest.NewServer(h.Router(promhttp.Handler()))
	t.Cleanup(srv.Close)
	return &fixture{store: store, queue: q, handler: h, server: srv, fallback: fallback}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestCreateEdit_ProcessesInBackground(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/edits", api.CreateEditRequest{
		UserID:        "u1",
		InputImageURL: "uploads/in.png",
		Prompt:        "add a hat",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var created editqueue.EditRequest
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, editqueue.StatusQueued, created.Status)
	assert.Equal(t, "/api/v1/edits/"+created.ID, resp.Header.Get("Location"))

	f.queue.Wait()

	resp, body = f.do(t, http.MethodGet, "/api/v1/edits/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got editqueue.EditRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, editqueue.StatusCompleted, got.Status)
	assert.Equal(t, "/uploads/ai-edits/"+created.ID+".png", got.OutputImageURL)
	assert.Equal(t, "local", got.Metadata.Provider)
}

func TestCreateEdit_Validation(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/edits", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/edits", map[string]string{"prompt": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/edits", map[string]string{"unknown": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateEdit_QuotaExhausted(t *testing.T) {
	f := newFixture(t, []memory.Option{memory.WithFreeLimit(0)})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/edits", api.CreateEditRequest{
		UserID: "u1", InputImageURL: "a.png", Prompt: "p",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, f.fallback.CallCount())
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/edits/batch", api.CreateBatchRequest{
		UserID: "u1",
		Images: []string{"a.png", "b.png", "c.png"},
		Prompt: "sepia",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out api.CreateBatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.EditIDs, 3)

	f.handler.Wait()

	for _, id := range out.EditIDs {
		e, err := f.store.GetEdit(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, editqueue.StatusCompleted, e.Status)
	}
	assert.Equal(t, int64(3), f.fallback.CallCount())
}

func TestCreateBatch_Limits(t *testing.T) {
	f := newFixture(t, []memory.Option{memory.WithFreeLimit(2)})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/edits/batch", api.CreateBatchRequest{UserID: "u1", Prompt: "p"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/edits/batch", api.CreateBatchRequest{
		UserID: "u1", Prompt: "p", Images: []string{"1", "2", "3", "4"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "over max batch size")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/edits/batch", api.CreateBatchRequest{
		UserID: "u1", Prompt: "p", Images: []string{"1", "2", "3"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "over remaining quota")
}

func TestCreateBatch_InvalidImageCreatesNothing(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/edits/batch", api.CreateBatchRequest{
		UserID: "u1", Prompt: "p", Images: []string{"a.png", "  "},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "images[1]")

	edits, err := f.store.ListUserEdits(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, edits)
	assert.Zero(t, f.fallback.CallCount())
}

// failingCreates fails every CreateEdit after the first n.
type failingCreates struct {
	*memory.Store
	mu sync.Mutex
	n  int
}

func (s *failingCreates) CreateEdit(ctx context.Context, e editqueue.EditRequest) (editqueue.EditRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return editqueue.EditRequest{}, errors.New("disk full")
	}
	s.n--
	return s.Store.CreateEdit(ctx, e)
}

func TestCreateBatch_InsertFailureFailsCreatedEdits(t *testing.T) {
	f := newFixture(t, nil)
	repo := &failingCreates{Store: f.store, n: 1}
	srv := httptest.NewServer(api.NewHandler(repo, f.queue, nil).Router(promhttp.Handler()))
	t.Cleanup(srv.Close)
	f.server = srv

	resp, _ := f.do(t, http.MethodPost, "/api/v1/edits/batch", api.CreateBatchRequest{
		UserID: "u1", Prompt: "p", Images: []string{"a.png", "b.png"},
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	edits, err := f.store.ListUserEdits(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, editqueue.StatusFailed, edits[0].Status)
	assert.Contains(t, edits[0].ErrorMessage, "batch creation aborted")

	f.queue.Wait()
	assert.Zero(t, f.fallback.CallCount())
}

func TestGetEdit_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/edits/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryEdit(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Put(editqueue.EditRequest{ID: "done", UserID: "u1", InputImageURL: "a.png", Prompt: "p", Status: editqueue.StatusCompleted})
	f.store.Put(editqueue.EditRequest{ID: "bad", UserID: "u1", InputImageURL: "a.png", Prompt: "p", Status: editqueue.StatusFailed, ErrorMessage: "boom"})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/edits/done/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/edits/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/edits/bad/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.queue.Wait()

	e, err := f.store.GetEdit(t.Context(), "bad")
	require.NoError(t, err)
	assert.Equal(t, editqueue.StatusCompleted, e.Status)
	assert.Empty(t, e.ErrorMessage)
	assert.NotNil(t, e.Metadata.RetryAt)
}

func TestListUserEditsAndUsage(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/edits", api.CreateEditRequest{UserID: "u1", InputImageURL: "a.png", Prompt: "p"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	f.queue.Wait()

	resp, body := f.do(t, http.MethodGet, "/api/v1/users/u1/edits?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edits []editqueue.EditRequest
	require.NoError(t, json.Unmarshal(body, &edits))
	assert.Len(t, edits, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/users/u1/edits?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/usage/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage api.UsageResponse
	require.NoError(t, json.Unmarshal(body, &usage))
	assert.Equal(t, int64(2), usage.Usage.FreeRequests)
	assert.Equal(t, int64(editqueue.DefaultMonthlyFreeLimit-2), usage.Quota.Remaining)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	assert.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodGet, "/metrics", nil)
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(string(body), `editqueue_http_requests_total{endpoint="/health",method="GET",status="200"}`)
	}, 2*time.Second, 20*time.Millisecond)
}
