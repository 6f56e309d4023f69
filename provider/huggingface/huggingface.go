// Package huggingface is the primary provider backed by the Hugging Face
// Inference API image-edit models.
package huggingface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/editqueue"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co/models"
	maxInputBytes  = 20 << 20
	maxResultBytes = 32 << 20
)

// Models maps the user-facing model selector to a Hugging Face repository.
var Models = map[string]string{
	"qwen-2509":    "Qwen/Qwen-Image-Edit-2509",
	"flux-kontext": "black-forest-labs/FLUX.1-Kontext-dev",
	"auto":         "Qwen/Qwen-Image-Edit-2509",
}

// ResolveModel returns the repository for selector. Unknown selectors map to "auto".
func ResolveModel(selector string) string {
	if m, ok := Models[selector]; ok {
		return m
	}
	return Models["auto"]
}

// Provider is the Hugging Face Inference API adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ editqueue.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient = &http.Client{Timeout: d} }
}

// New creates a new Hugging Face provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "huggingface" }

type apiRequest struct {
	Inputs apiInputs `json:"inputs"`
}

type apiInputs struct {
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
}

// apiStatus is the JSON body the API sends instead of an image.
type apiStatus struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

func (p *Provider) Edit(ctx context.Context, req editqueue.ProviderRequest) (editqueue.ProviderResponse, error) {
	input, err := p.fetchImage(ctx, req.ImageURL)
	if err != nil {
		return editqueue.ProviderResponse{}, err
	}

	body, err := json.Marshal(apiRequest{Inputs: apiInputs{
		Image:  base64.StdEncoding.EncodeToString(input),
		Prompt: req.Prompt,
	}})
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := p.baseURL + "/" + ResolveModel(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return editqueue.ProviderResponse{}, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return editqueue.ProviderResponse{}, classifyJSON(data)
	}
	if len(data) == 0 {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("empty response body")}
	}
	return editqueue.ProviderResponse{Image: data}, nil
}

func (p *Provider) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &editqueue.NetworkError{Err: fmt.Errorf("create image request: %w", err)}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &editqueue.NetworkError{Err: fmt.Errorf("fetch input image: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &editqueue.NetworkError{Err: fmt.Errorf("fetch input image: status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInputBytes+1))
	if err != nil {
		return nil, &editqueue.NetworkError{Err: fmt.Errorf("read input image: %w", err)}
	}
	if len(data) > maxInputBytes {
		return nil, &editqueue.NetworkError{Err: fmt.Errorf("input image exceeds %d bytes", maxInputBytes)}
	}
	return data, nil
}

// classifyJSON handles a 2xx JSON body, which is never an image.
func classifyJSON(data []byte) error {
	var st apiStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return &editqueue.NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.Contains(strings.ToLower(st.Error), "loading") {
		return &editqueue.ModelLoadingError{
			Estimated: time.Duration(st.EstimatedTime * float64(time.Second)),
		}
	}
	if st.Error != "" {
		return &editqueue.NetworkError{Err: fmt.Errorf("unexpected response: %s", st.Error)}
	}
	return &editqueue.NetworkError{Err: fmt.Errorf("unexpected json response")}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &editqueue.RateLimitedError{RetryAfter: editqueue.ParseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &editqueue.APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
