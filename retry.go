package editqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Retry policy defaults.
const (
	DefaultRateLimitAttempts    = 3
	DefaultModelLoadingAttempts = 2
	DefaultRetryAfter           = 60 * time.Second
	DefaultLoadingWait          = 20 * time.Second
	DefaultCallTimeout          = 90 * time.Second
)

// RetryPolicy holds the two independent retry budgets for the primary provider.
type RetryPolicy struct {
	// RateLimitAttempts is how many rate-limited responses the primary may
	// return before the engine moves on to the fallback.
	RateLimitAttempts int `yaml:"rate_limit_attempts"`

	// ModelLoadingAttempts is the same budget for model-loading responses.
	ModelLoadingAttempts int `yaml:"model_loading_attempts"`

	// DefaultRetryAfter is used when a 429 carries no Retry-After hint.
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`

	// DefaultLoadingWait is used when a loading response carries no estimate.
	DefaultLoadingWait time.Duration `yaml:"default_loading_wait"`

	// CallTimeout bounds every single provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitAttempts:    DefaultRateLimitAttempts,
		ModelLoadingAttempts: DefaultModelLoadingAttempts,
		DefaultRetryAfter:    DefaultRetryAfter,
		DefaultLoadingWait:   DefaultLoadingWait,
		CallTimeout:          DefaultCallTimeout,
	}
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.RateLimitAttempts <= 0 {
		p.RateLimitAttempts = d.RateLimitAttempts
	}
	if p.ModelLoadingAttempts <= 0 {
		p.ModelLoadingAttempts = d.ModelLoadingAttempts
	}
	if p.DefaultRetryAfter <= 0 {
		p.DefaultRetryAfter = d.DefaultRetryAfter
	}
	if p.DefaultLoadingWait <= 0 {
		p.DefaultLoadingWait = d.DefaultLoadingWait
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// RateLimitWait returns the wait after the n-th (1-based) rate-limited response:
// retryAfter * 2^(n-1).
func (p RetryPolicy) RateLimitWait(retryAfter time.Duration, n int) time.Duration {
	if retryAfter <= 0 {
		retryAfter = p.DefaultRetryAfter
	}
	if n < 1 {
		n = 1
	}
	return retryAfter << uint(n-1)
}

// LoadingWait returns the wait after a model-loading response. It does not grow.
func (p RetryPolicy) LoadingWait(estimated time.Duration) time.Duration {
	if estimated <= 0 {
		return p.DefaultLoadingWait
	}
	return estimated
}

// Outcome is the result of driving one edit through the primary and fallback.
// On failure the counters are still filled in.
type Outcome struct {
	Image               []byte
	Cost                int64
	Provider            string
	UsedFallback        bool
	Attempts            int
	RateLimitRetries    int
	ModelLoadingRetries int
}

// RetryEngine runs one edit against the primary provider with bounded retries,
// then hands off to the fallback provider exactly once.
type RetryEngine struct {
	primary  Provider
	fallback Provider
	policy   RetryPolicy
	meter    Meter
	health   *HealthTracker
	logger   *slog.Logger
}

// EngineOption configures a RetryEngine.
type EngineOption func(*RetryEngine)

// WithEngineMeter sets the meter notified of every provider call.
func WithEngineMeter(m Meter) EngineOption {
	return func(e *RetryEngine) { e.meter = m }
}

// WithEngineHealth enables circuit breaking of the primary provider.
func WithEngineHealth(h *HealthTracker) EngineOption {
	return func(e *RetryEngine) { e.health = h }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *RetryEngine) { e.logger = l }
}

// NewRetryEngine creates a RetryEngine. primary may be nil, in which case
// every edit goes straight to the fallback.
func NewRetryEngine(primary, fallback Provider, policy RetryPolicy, opts ...EngineOption) *RetryEngine {
	e := &RetryEngine{
		primary:  primary,
		fallback: fallback,
		policy:   policy.WithDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Policy returns the effective retry policy.
func (e *RetryEngine) Policy() RetryPolicy { return e.policy }

// Run executes req for editID. The rate-limit and model-loading budgets are
// independent: a rate-limited response never consumes the loading budget and
// vice versa, even when the primary alternates between the two.
func (e *RetryEngine) Run(ctx context.Context, editID string, req ProviderRequest) (Outcome, error) {
	var (
		out         Outcome
		lastErr     error
		rateLimited int
		loading     int
	)

	usePrimary := e.primary != nil
	if usePrimary && e.health != nil && !e.health.Allow(e.primary.Name()) {
		e.logger.Warn("primary provider unhealthy, using fallback",
			"edit_id", editID, "provider", e.primary.Name())
		usePrimary = false
	}

primaryLoop:
	for usePrimary {
		out.Attempts++
		resp, err := e.call(ctx, e.primary, editID, req, out.Attempts, false)
		if err == nil {
			if e.health != nil {
				e.health.RecordSuccess(e.primary.Name())
			}
			out.Image = resp.Image
			out.Cost = resp.Cost
			out.Provider = e.primary.Name()
			return out, nil
		}
		lastErr = err

		var wait time.Duration
		var rl *RateLimitedError
		var ml *ModelLoadingError
		switch {
		case errors.As(err, &rl):
			rateLimited++
			if rateLimited >= e.policy.RateLimitAttempts {
				e.logger.Info("rate limit budget exhausted, trying fallback",
					"edit_id", editID, "attempts", rateLimited)
				break primaryLoop
			}
			wait = e.policy.RateLimitWait(rl.RetryAfter, rateLimited)
			out.RateLimitRetries++
		case errors.As(err, &ml):
			loading++
			if loading >= e.policy.ModelLoadingAttempts {
				e.logger.Info("model still loading after retries, trying fallback",
					"edit_id", editID, "attempts", loading)
				break primaryLoop
			}
			wait = e.policy.LoadingWait(ml.Estimated)
			out.ModelLoadingRetries++
		default:
			if e.health != nil {
				e.health.RecordFailure(e.primary.Name())
			}
			e.logger.Warn("primary provider failed, trying fallback",
				"edit_id", editID, "provider", e.primary.Name(), "error", err)
			break primaryLoop
		}

		e.logger.Info("waiting before retrying primary",
			"edit_id", editID, "kind", Classify(err).String(), "wait_ms", wait.Milliseconds())
		if err := sleepContext(ctx, wait); err != nil {
			return out, fmt.Errorf("editqueue: retry wait: %w", err)
		}
	}

	if e.fallback == nil {
		return out, &FallbackError{Primary: lastErr, Fallback: ErrNoProvider}
	}

	out.Attempts++
	resp, err := e.call(ctx, e.fallback, editID, req, out.Attempts, true)
	if err != nil {
		return out, &FallbackError{Primary: lastErr, Fallback: err}
	}
	out.Image = resp.Image
	out.Cost = resp.Cost
	out.Provider = e.fallback.Name()
	out.UsedFallback = true
	return out, nil
}

func (e *RetryEngine) call(ctx context.Context, p Provider, editID string, req ProviderRequest, attempt int, fallback bool) (ProviderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Edit(callCtx, req)
	if err == nil && len(resp.Image) == 0 {
		err = &NetworkError{Err: errors.New("provider returned no image")}
	}
	duration := time.Since(start)

	e.meter.OnAttempt(AttemptEvent{
		EditID:   editID,
		Provider: p.Name(),
		Model:    req.Model,
		Attempt:  attempt,
		Fallback: fallback,
		Success:  err == nil,
		Duration: duration,
		Failure:  Classify(err),
		Error:    err,
	})
	return resp, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
