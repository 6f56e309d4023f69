// Package local is the fallback provider: a self-hosted image processing
// service reached over plain HTTP.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/editqueue"
)

const (
	defaultBaseURL = "http://127.0.0.1:5001"
	maxResultBytes = 32 << 20
)

// Provider calls POST <base>/ai-edit and returns the response body as the image.
// Every failure is an *editqueue.APIError or *editqueue.NetworkError.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ editqueue.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*config)

type config struct {
	name       string
	baseURL    string
	timeout    time.Duration
	transport  http.RoundTripper
	signingKey string
	nowFunc    func() time.Time
}

// WithName sets the provider name (default: "local").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL sets the service base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBaseTransport sets the underlying HTTP transport (before signing).
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// WithSigningKey signs every request with the hex-encoded secp256k1 key.
func WithSigningKey(hexKey string) Option {
	return func(c *config) { c.signingKey = hexKey }
}

func withNowFunc(fn func() time.Time) Option {
	return func(c *config) { c.nowFunc = fn }
}

// New creates a local fallback provider. It fails only when the signing key is invalid.
func New(opts ...Option) (*Provider, error) {
	cfg := &config{
		name:    "local",
		baseURL: defaultBaseURL,
		timeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	rt := cfg.transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if cfg.signingKey != "" {
		key, err := newKeyInfo(cfg.signingKey)
		if err != nil {
			return nil, err
		}
		signing := newSigningTransport(rt, key)
		signing.nowFunc = cfg.nowFunc
		rt = signing
	}

	return &Provider{
		name:    cfg.name,
		baseURL: strings.TrimRight(cfg.baseURL, "/"),
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   cfg.timeout,
		},
	}, nil
}

func (p *Provider) Name() string { return p.name }

type apiRequest struct {
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Quality  string `json:"quality,omitempty"`
}

func (p *Provider) Edit(ctx context.Context, req editqueue.ProviderRequest) (editqueue.ProviderResponse, error) {
	body, err := json.Marshal(apiRequest{
		ImageURL: req.ImageURL,
		Prompt:   req.Prompt,
		Model:    "local",
		Quality:  string(req.Quality),
	})
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/ai-edit", bytes.NewReader(body))
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return editqueue.ProviderResponse{}, &editqueue.APIError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}
	if len(image) == 0 {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("empty response body")}
	}
	return editqueue.ProviderResponse{Image: image}, nil
}
