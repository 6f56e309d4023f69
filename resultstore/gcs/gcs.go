// Package gcs stores edit outputs as objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ineyio/editqueue"
)

// Store writes <prefix><editID>.png into a bucket.
type Store struct {
	client        *storage.Client
	bucket        string
	prefix        string
	publicBaseURL string
	ownsClient    bool
}

var _ editqueue.ResultStore = (*Store)(nil)

// Option configures Store.
type Option func(*config)

type config struct {
	prefix        string
	publicBaseURL string
	endpoint      string
	client        *storage.Client
}

// WithObjectPrefix sets the object name prefix (default "ai-edits/").
func WithObjectPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithPublicBaseURL sets the base of returned URLs (default https://storage.googleapis.com/<bucket>).
func WithPublicBaseURL(u string) Option {
	return func(c *config) { c.publicBaseURL = u }
}

// WithEndpoint points the client at an emulator. Authentication is disabled.
func WithEndpoint(endpoint string) Option {
	return func(c *config) { c.endpoint = endpoint }
}

// WithClient uses an existing client. The caller keeps ownership.
func WithClient(client *storage.Client) Option {
	return func(c *config) { c.client = client }
}

// New creates a GCS result store.
func New(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("resultstore/gcs: bucket is required")
	}
	cfg := &config{prefix: "ai-edits/"}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Store{
		client:        cfg.client,
		bucket:        bucket,
		prefix:        cfg.prefix,
		publicBaseURL: strings.TrimRight(cfg.publicBaseURL, "/"),
	}
	if s.publicBaseURL == "" {
		s.publicBaseURL = "https://storage.googleapis.com/" + bucket
	}
	if s.client == nil {
		var clientOpts []option.ClientOption
		if cfg.endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(cfg.endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("resultstore/gcs: new client: %w", err)
		}
		s.client = client
		s.ownsClient = true
	}
	return s, nil
}

// Persist uploads image, overwriting any previous object for editID.
func (s *Store) Persist(ctx context.Context, image []byte, editID string) (string, error) {
	name, err := s.objectName(editID)
	if err != nil {
		return "", err
	}

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "image/png"
	if _, err := w.Write(image); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("resultstore/gcs: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("resultstore/gcs: upload %s: %w", name, err)
	}
	return s.objectURL(name), nil
}

// Close releases the client if New created it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) objectName(editID string) (string, error) {
	if editID == "" || strings.ContainsAny(editID, `/\`) || strings.Contains(editID, "..") {
		return "", fmt.Errorf("%w: %q", editqueue.ErrInvalidEditID, editID)
	}
	return s.prefix + editID + ".png", nil
}

func (s *Store) objectURL(name string) string {
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + strings.Join(segments, "/")
}
