package editqueue

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Provider is the interface that image edit adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "huggingface", "local").
	Name() string

	// Edit performs one image edit and returns the result bytes.
	// Failures should be one of *RateLimitedError, *ModelLoadingError,
	// *APIError or *NetworkError so the retry engine can branch on them.
	Edit(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	ImageURL string
	Prompt   string
	Model    string
	Quality  Quality
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	Image []byte
	Cost  int64 // cents; zero for free tiers
}

// ImageResolver turns a stored input image reference into one providers can fetch.
type ImageResolver interface {
	Resolve(ref string) (string, error)
}

// ResultStore persists edit output bytes and returns a retrievable URL.
// Persisting twice for the same edit ID must overwrite.
type ResultStore interface {
	Persist(ctx context.Context, image []byte, editID string) (string, error)
}

// ParseRetryAfter parses a Retry-After header in delta-seconds or HTTP-date form.
// It returns zero when the header is absent or unusable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
