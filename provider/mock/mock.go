package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/editqueue"
)

// Provider is a scripted image edit provider for testing.
type Provider struct {
	name      string
	image     []byte
	cost      int64
	latency   time.Duration
	staticErr error
	block     <-chan struct{}
	editFunc  func(editqueue.ProviderRequest) (editqueue.ProviderResponse, error)

	mu     sync.Mutex
	script []error

	callCount   atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ editqueue.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:  "mock",
		image: []byte("mock-image"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithImage sets the bytes returned on success.
func WithImage(b []byte) Option {
	return func(p *Provider) { p.image = b }
}

// WithCost sets the cost returned on success.
func WithCost(cents int64) Option {
	return func(p *Provider) { p.cost = cents }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrors scripts the first len(errs) calls. A nil entry is a success.
// Calls after the script run out behave normally.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.script = append(p.script, errs...) }
}

// WithBlock makes every call wait until ch is closed (or ctx is done).
func WithBlock(ch <-chan struct{}) Option {
	return func(p *Provider) { p.block = ch }
}

// WithEditFunc sets a custom response function.
func WithEditFunc(fn func(editqueue.ProviderRequest) (editqueue.ProviderResponse, error)) Option {
	return func(p *Provider) { p.editFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Edit(ctx context.Context, req editqueue.ProviderRequest) (editqueue.ProviderResponse, error) {
	p.callCount.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: ctx.Err()}
		}
	}
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return editqueue.ProviderResponse{}, &editqueue.NetworkError{Err: ctx.Err()}
		}
	}

	if err, ok := p.next(); ok && err != nil {
		return editqueue.ProviderResponse{}, err
	}
	if p.staticErr != nil {
		return editqueue.ProviderResponse{}, p.staticErr
	}
	if p.editFunc != nil {
		return p.editFunc(req)
	}
	return editqueue.ProviderResponse{Image: p.image, Cost: p.cost}, nil
}

func (p *Provider) next() (error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return nil, false
	}
	err := p.script[0]
	p.script = p.script[1:]
	return err, true
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// InFlight returns the number of calls currently executing.
func (p *Provider) InFlight() int64 { return p.inFlight.Load() }

// MaxInFlight returns the highest number of concurrent calls observed.
func (p *Provider) MaxInFlight() int64 { return p.maxInFlight.Load() }
