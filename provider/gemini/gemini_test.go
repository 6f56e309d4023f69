package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ineyio/editqueue"
	"github.com/ineyio/editqueue/provider/gemini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newServer serves /in.png and answers every generateContent call with handler.
func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.png" {
			w.Write([]byte("\x89PNG\r\n\x1a\ninput"))
			return
		}
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(t *testing.T, srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(srv.URL)}, opts...)
	p, err := gemini.New(context.Background(), "test-key", opts...)
	require.NoError(t, err)
	return p
}

func apiError(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": "boom", "status": status},
	})
}

func TestEdit_Success(t *testing.T) {
	edited := base64.StdEncoding.EncodeToString([]byte("edited-image"))
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.5-flash-image")

		var body struct {
			Contents []struct {
				Parts []struct {
					Text       string `json:"text"`
					InlineData *struct {
						MIMEType string `json:"mimeType"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"contents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 1)
		require.Len(t, body.Contents[0].Parts, 2)
		assert.Equal(t, "make it blue", body.Contents[0].Parts[0].Text)
		require.NotNil(t, body.Contents[0].Parts[1].InlineData)
		assert.Equal(t, "image/png", body.Contents[0].Parts[1].InlineData.MIMEType)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"done"},{"inlineData":{"mimeType":"image/png","data":"` + edited + `"}}]}}]}`))
	})

	p := newProvider(t, srv)
	resp, err := p.Edit(context.Background(), editqueue.ProviderRequest{
		ImageURL: srv.URL + "/in.png",
		Prompt:   "make it blue",
		Quality:  editqueue.QualityHD,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("edited-image"), resp.Image)
	assert.Zero(t, resp.Cost)
}

func TestEdit_PricingApplied(t *testing.T) {
	edited := base64.StdEncoding.EncodeToString([]byte("x"))
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + edited + `"}}]}}]}`))
	})

	p := newProvider(t, srv, gemini.WithPricing(editqueue.DefaultPricing))
	resp, err := p.Edit(context.Background(), editqueue.ProviderRequest{
		ImageURL: srv.URL + "/in.png",
		Quality:  editqueue.Quality4K,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), resp.Cost)
}

func TestEdit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status string
		kind   editqueue.FailureKind
	}{
		{"rate limited", http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", editqueue.FailureRateLimited},
		{"unavailable", http.StatusServiceUnavailable, "UNAVAILABLE", editqueue.FailureAPI},
		{"bad request", http.StatusBadRequest, "INVALID_ARGUMENT", editqueue.FailureAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tt.code, tt.status)
			})

			p := newProvider(t, srv)
			_, err := p.Edit(context.Background(), editqueue.ProviderRequest{ImageURL: srv.URL + "/in.png"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, editqueue.Classify(err))
		})
	}
}

func TestEdit_APIErrorCarriesStatus(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusForbidden, "PERMISSION_DENIED")
	})

	p := newProvider(t, srv)
	_, err := p.Edit(context.Background(), editqueue.ProviderRequest{ImageURL: srv.URL + "/in.png"})
	var apiErr *editqueue.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestEdit_TextOnlyResponse(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"I cannot edit this image"}]}}]}`))
	})

	p := newProvider(t, srv)
	_, err := p.Edit(context.Background(), editqueue.ProviderRequest{ImageURL: srv.URL + "/in.png"})
	assert.Equal(t, editqueue.FailureNetwork, editqueue.Classify(err))
}
