// Package gemini edits images through the Gemini generateContent endpoint
// using the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/editqueue"
	"google.golang.org/genai"
)

const (
	defaultModel  = "gemini-2.5-flash-image"
	maxInputBytes = 20 << 20
)

// Provider is the Gemini image edit adapter.
type Provider struct {
	client     *genai.Client
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

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the image model. Edit request model selectors are ignored.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithPricing reports a per-quality cost. Without it the provider is free.
func WithPricing(p editqueue.Pricing) Option {
	return func(c *config) { c.pricing = p }
}

// WithHTTPClient sets the HTTP client used for the API and for fetching inputs.
func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.httpClient = &http.Client{Timeout: d} }
}

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{
		model:      defaultModel,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = strings.TrimRight(cfg.baseURL, "/") + "/"
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Provider{
		client:     client,
		model:      cfg.model,
		pricing:    cfg.pricing,
		httpClient: cfg.httpClient,
	}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Edit(ctx context.Context, req editqueue.ProviderRequest) (editqueue.ProviderResponse, error) {
	input, err := p.fetchImage(ctx, req.ImageURL)
	if err != nil {
		return editqueue.ProviderResponse{}, err
	}

	// Image editing goes through generateContent, not the Imagen edit endpoint.
	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				{Text: req.Prompt},
				{InlineData: &genai.Blob{Data: input, MIMEType: http.DetectContentType(input)}},
			},
		}},
		&genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	)
	if err != nil {
		return editqueue.ProviderResponse{}, mapError(err)
	}

	image := firstImage(resp)
	if len(image) == 0 {
		return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: fmt.Errorf("no image in response")}
	}

	out := editqueue.ProviderResponse{Image: image}
	if p.pricing != nil {
		out.Cost = p.pricing.Cost(req.Quality)
	}
	return out, nil
}

func firstImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data
			}
		}
	}
	return nil
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

// mapError converts SDK errors into the classified provider errors.
func mapError(err error) error {
	var code int
	var msg string

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code, msg = apiErr.Code, apiErr.Message
	case errors.As(err, &apiErrPtr):
		code, msg = apiErrPtr.Code, apiErrPtr.Message
	default:
		return &editqueue.NetworkError{Err: err}
	}

	switch code {
	case http.StatusTooManyRequests:
		return &editqueue.RateLimitedError{}
	default:
		return &editqueue.APIError{StatusCode: code, Body: msg}
	}
}
