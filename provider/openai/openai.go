// Package openai is a metered primary provider backed by the OpenAI
// images/edits endpoint through the go-openai client.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/ineyio/editqueue"
)

const maxInputBytes = 20 << 20

// sizes maps quality tiers onto the edit output size.
var sizes = map[editqueue.Quality]string{
	editqueue.QualityStandard: goopenai.CreateImageSize512x512,
	editqueue.QualityHD:       goopenai.CreateImageSize1024x1024,
	editqueue.Quality4K:       goopenai.CreateImageSize1024x1024,
}

// Provider is the OpenAI image edit adapter.
type Provider struct {
	client     *goopenai.Client
	model      string
	pricing    editqueue.Pricing
	httpClient *http.Client
}

var _ editqueue.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*config)

type config struct {
	baseURL    string
	model      string
	pricing    editqueue.Pricing
	httpClient *http.Client
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the image model. Edit request model selectors are ignored.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithPricing sets the per-quality price reported as cost.
func WithPricing(pr editqueue.Pricing) Option {
	return func(c *config) { c.pricing = pr }
}

// WithHTTPClient sets a custom HTTP client for the API and for input fetches.
func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.httpClient = &http.Client{Timeout: d} }
}

// New creates a new OpenAI provider.
func New(apiKey string, opts ...Option) *Provider {
	cfg := &config{
		model:      goopenai.CreateImageModelDallE2,
		pricing:    editqueue.DefaultPricing,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}
	clientCfg.HTTPClient = cfg.httpClient

	return &Provider{
		client:     goopenai.NewClientWithConfig(clientCfg),
		model:      cfg.model,
		pricing:    cfg.pricing,
		httpClient: cfg.httpClient,
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Edit(ctx context.Context, req editqueue.ProviderRequest) (editqueue.ProviderResponse, error) {
	input, err := p.fetchImage(ctx, req.ImageURL)
	if err != nil {
		return editqueue.ProviderResponse{}, err
	}

	// The client uploads from a named file; the name becomes the form filename.
	dir, err := os.MkdirTemp("", "editqueue-openai-")
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("stage input image: %w", err)}
	}
	defer os.RemoveAll(dir)

	f, err := os.Create(filepath.Join(dir, uploadName(req.ImageURL)))
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("stage input image: %w", err)}
	}
	defer f.Close()
	if _, err := f.Write(input); err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("stage input image: %w", err)}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("stage input image: %w", err)}
	}

	size, ok := sizes[req.Quality]
	if !ok {
		size = goopenai.CreateImageSize1024x1024
	}
	resp, err := p.client.CreateEditImage(ctx, goopenai.ImageEditRequest{
		Image:          f,
		Prompt:         req.Prompt,
		Model:          p.model,
		N:              1,
		Size:           size,
		ResponseFormat: goopenai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return editqueue.ProviderResponse{}, mapError(err)
	}

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("no image in response")}
	}
	image, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("decode image: %w", err)}
	}

	return editqueue.ProviderResponse{Image: image, Cost: p.pricing.Cost(req.Quality)}, nil
}

func uploadName(imageURL string) string {
	name := path.Base(imageURL)
	if name == "" || name == "." || name == "/" || strings.ContainsAny(name, `\?`) {
		return "image.png"
	}
	return name
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

// mapError converts client errors into the classified provider errors.
// The client does not expose response headers, so RetryAfter is left to the policy default.
func mapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &editqueue.RateLimitedError{}
		}
		return &editqueue.APIError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &editqueue.RateLimitedError{}
		}
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &editqueue.APIError{StatusCode: reqErr.HTTPStatusCode, Body: body}
	}

	return &editqueue.NetworkError{Err: err}
}
