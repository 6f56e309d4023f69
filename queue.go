package editqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue defaults.
const (
	DefaultMaxConcurrency = 20
	DefaultMaxBatchSize   = 1000
)

// Queue processes edit requests in the background with bounded concurrency.
type Queue struct {
	store    Store
	results  ResultStore
	engine   *RetryEngine
	resolver ImageResolver
	meter    Meter
	logger   *slog.Logger
	health   *HealthTracker
	policy   RetryPolicy
	now      func() time.Time

	maxConcurrency int
	chunkSize      int
	maxBatchSize   int

	admission *admissionSet
	slots     chan struct{}
	pending   sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrency caps the number of edits processed at once across all submissions.
func WithMaxConcurrency(n int) Option {
	return func(q *Queue) { q.maxConcurrency = n }
}

// WithChunkSize sets how many edits of a batch are started together.
// Defaults to the max concurrency.
func WithChunkSize(n int) Option {
	return func(q *Queue) { q.chunkSize = n }
}

// WithMaxBatchSize sets the largest batch SubmitBatch accepts.
func WithMaxBatchSize(n int) Option {
	return func(q *Queue) { q.maxBatchSize = n }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithResolver sets the input image resolver.
func WithResolver(r ImageResolver) Option {
	return func(q *Queue) { q.resolver = r }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(q *Queue) { q.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithHealthTracker enables circuit breaking of the primary provider.
func WithHealthTracker(h *HealthTracker) Option {
	return func(q *Queue) { q.health = h }
}

// WithClock overrides the time source used for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue. The fallback provider is required; primary may be nil,
// in which case every edit is served by the fallback.
func New(store Store, results ResultStore, primary, fallback Provider, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("editqueue: store is required")
	}
	if results == nil {
		return nil, fmt.Errorf("editqueue: result store is required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: fallback provider is required", ErrNoProvider)
	}

	q := &Queue{
		store:     store,
		results:   results,
		policy:    DefaultRetryPolicy(),
		admission: newAdmissionSet(),
	}
	for _, opt := range opts {
		opt(q)
	}

	// Apply defaults after options.
	if q.maxConcurrency <= 0 {
		q.maxConcurrency = DefaultMaxConcurrency
	}
	if q.chunkSize <= 0 {
		q.chunkSize = q.maxConcurrency
	}
	if q.maxBatchSize <= 0 {
		q.maxBatchSize = DefaultMaxBatchSize
	}
	if q.resolver == nil {
		q.resolver = URLResolver{BaseURL: DefaultImageBaseURL}
	}
	if q.meter == nil {
		q.meter = &noopMeter{}
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}

	q.slots = make(chan struct{}, q.maxConcurrency)
	q.engine = NewRetryEngine(primary, fallback, q.policy,
		WithEngineMeter(q.meter),
		WithEngineHealth(q.health),
		WithEngineLogger(q.logger),
	)
	return q, nil
}

// BatchResult summarizes one SubmitBatch call.
type BatchResult struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type taskResult int

const (
	taskSkipped taskResult = iota
	taskCompleted
	taskFailed
)

// SubmitSingle starts processing editID in the background and returns immediately.
// Submitting an edit that is already in flight is a no-op. The task outlives ctx.
func (q *Queue) SubmitSingle(ctx context.Context, editID string) {
	ctx = context.WithoutCancel(ctx)
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		q.process(ctx, editID)
	}()
}

// SubmitBatch processes editIDs in chunks and blocks until all of them settle.
// A failure of one edit never affects the others.
func (q *Queue) SubmitBatch(ctx context.Context, editIDs []string) (BatchResult, error) {
	if len(editIDs) > q.maxBatchSize {
		return BatchResult{}, fmt.Errorf("%w: %d edits, max %d", ErrBatchTooLarge, len(editIDs), q.maxBatchSize)
	}
	ctx = context.WithoutCancel(ctx)

	res := BatchResult{Total: len(editIDs)}
	for start := 0; start < len(editIDs); start += q.chunkSize {
		end := min(start+q.chunkSize, len(editIDs))
		chunk := editIDs[start:end]

		outcomes := make([]taskResult, len(chunk))
		var wg sync.WaitGroup
		for i, id := range chunk {
			wg.Add(1)
			q.pending.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				defer q.pending.Done()
				outcomes[i] = q.process(ctx, id)
			}(i, id)
		}
		wg.Wait()

		for _, o := range outcomes {
			switch o {
			case taskCompleted:
				res.Completed++
			case taskFailed:
				res.Failed++
			default:
				res.Skipped++
			}
		}
	}

	q.logger.Info("batch finished",
		"total", res.Total, "completed", res.Completed, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// Retry re-queues a failed edit and submits it again.
func (q *Queue) Retry(ctx context.Context, editID string) error {
	edit, err := q.store.GetEdit(ctx, editID)
	if err != nil {
		return err
	}
	if edit.Status != StatusFailed {
		return fmt.Errorf("%w: edit is %s", ErrNotRetryable, edit.Status)
	}
	if q.admission.contains(editID) {
		return fmt.Errorf("%w: edit is still being processed", ErrNotRetryable)
	}

	now := q.now()
	meta := edit.Metadata
	meta.RetryAt = &now
	err = q.store.UpdateEdit(ctx, editID, EditUpdate{
		Status:         Ptr(StatusQueued),
		ErrorMessage:   Ptr(""),
		OutputImageURL: Ptr(""),
		Metadata:       &meta,
	})
	if err != nil {
		return fmt.Errorf("editqueue: requeue edit: %w", err)
	}

	q.SubmitSingle(ctx, editID)
	return nil
}

// Wait blocks until every submitted task has settled.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// ProcessingCount returns the number of edits currently in flight.
func (q *Queue) ProcessingCount() int {
	return q.admission.len()
}

// IsProcessing reports whether editID is currently in flight.
func (q *Queue) IsProcessing(editID string) bool {
	return q.admission.contains(editID)
}

// MaxBatchSize returns the largest batch SubmitBatch accepts.
func (q *Queue) MaxBatchSize() int {
	return q.maxBatchSize
}

// Policy returns the effective retry policy.
func (q *Queue) Policy() RetryPolicy {
	return q.engine.Policy()
}

func (q *Queue) process(ctx context.Context, editID string) (result taskResult) {
	if !q.admission.tryAdd(editID) {
		q.logger.Info("edit already processing, skipping", "edit_id", editID)
		return taskSkipped
	}
	defer q.admission.remove(editID)

	q.slots <- struct{}{}
	defer func() { <-q.slots }()

	edit, err := q.store.GetEdit(ctx, editID)
	if err != nil {
		if errors.Is(err, ErrEditNotFound) {
			q.logger.Error("edit not found", "edit_id", editID)
		} else {
			q.logger.Error("failed to load edit", "edit_id", editID, "error", err)
		}
		return taskFailed
	}
	if edit.Status != StatusQueued && edit.Status != StatusFailed {
		q.logger.Warn("edit not queued, skipping", "edit_id", editID, "status", edit.Status)
		return taskSkipped
	}

	start := q.now()
	meta := edit.Metadata

	defer func() {
		if r := recover(); r != nil {
			result = q.fail(ctx, edit, meta, start, fmt.Errorf("editqueue: panic: %v", r))
		}
	}()

	return q.run(ctx, edit, meta, start)
}

func (q *Queue) run(ctx context.Context, edit EditRequest, meta Metadata, start time.Time) taskResult {
	quota, err := q.store.Quota(ctx, edit.UserID)
	if err != nil {
		return q.fail(ctx, edit, meta, start, fmt.Errorf("editqueue: check quota: %w", err))
	}
	if !quota.CanUse {
		return q.fail(ctx, edit, meta, start, &QuotaExceededError{Used: quota.Used, Limit: quota.Limit})
	}

	meta.StartedAt = &start
	meta.FailedAt = nil
	meta.ErrorType = ""
	meta.Provider = ""
	meta.UsedFallback = false
	meta.Attempts = 0
	meta.RateLimitRetries = 0
	meta.ModelLoadingRetries = 0
	meta.ProcessingTimeMs = 0
	err = q.store.UpdateEdit(ctx, edit.ID, EditUpdate{
		Status:   Ptr(StatusProcessing),
		Metadata: &meta,
	})
	if err != nil {
		return q.fail(ctx, edit, meta, start, fmt.Errorf("editqueue: mark processing: %w", err))
	}

	imageURL, err := q.resolver.Resolve(edit.InputImageURL)
	if err != nil {
		return q.fail(ctx, edit, meta, start, err)
	}

	out, err := q.engine.Run(ctx, edit.ID, ProviderRequest{
		ImageURL: imageURL,
		Prompt:   edit.Prompt,
		Model:    edit.Model,
		Quality:  edit.Quality,
	})
	meta.Attempts = out.Attempts
	meta.RateLimitRetries = out.RateLimitRetries
	meta.ModelLoadingRetries = out.ModelLoadingRetries
	if err != nil {
		return q.fail(ctx, edit, meta, start, err)
	}
	meta.Provider = out.Provider
	meta.UsedFallback = out.UsedFallback

	url, err := q.results.Persist(ctx, out.Image, edit.ID)
	if err != nil {
		return q.fail(ctx, edit, meta, start, fmt.Errorf("editqueue: persist result: %w", err))
	}

	completedAt := q.now()
	meta.ProcessingTimeMs = completedAt.Sub(start).Milliseconds()
	err = q.store.UpdateEdit(ctx, edit.ID, EditUpdate{
		Status:         Ptr(StatusCompleted),
		OutputImageURL: &url,
		ErrorMessage:   Ptr(""),
		Cost:           &out.Cost,
		Metadata:       &meta,
		CompletedAt:    &completedAt,
	})
	if err != nil {
		return q.fail(ctx, edit, meta, start, fmt.Errorf("editqueue: mark completed: %w", err))
	}

	// The edit is already completed; a ledger failure must not flip it to failed.
	if err := q.store.IncrementUsage(ctx, edit.UserID, out.Cost == 0, out.Cost); err != nil {
		q.logger.Error("failed to record usage",
			"edit_id", edit.ID, "user_id", edit.UserID, "cost", out.Cost, "error", err)
	}

	q.logger.Info("edit completed",
		"edit_id", edit.ID,
		"provider", out.Provider,
		"fallback", out.UsedFallback,
		"attempts", out.Attempts,
		"cost", out.Cost,
		"duration_ms", meta.ProcessingTimeMs,
	)
	q.meter.OnOutcome(OutcomeEvent{
		EditID:   edit.ID,
		UserID:   edit.UserID,
		Status:   StatusCompleted,
		Provider: out.Provider,
		Cost:     out.Cost,
		Duration: completedAt.Sub(start),
	})
	return taskCompleted
}

func (q *Queue) fail(ctx context.Context, edit EditRequest, meta Metadata, start time.Time, cause error) taskResult {
	now := q.now()
	errType := ErrorTypeOf(cause)
	meta.ErrorType = errType
	meta.FailedAt = &now

	q.logger.Warn("edit failed",
		"edit_id", edit.ID, "user_id", edit.UserID, "error_type", errType, "error", cause)

	err := q.store.UpdateEdit(ctx, edit.ID, EditUpdate{
		Status:         Ptr(StatusFailed),
		OutputImageURL: Ptr(""),
		ErrorMessage:   Ptr(cause.Error()),
		Metadata:       &meta,
		CompletedAt:    &now,
	})
	if err != nil {
		q.logger.Error("failed to record edit failure", "edit_id", edit.ID, "error", err)
	}

	q.meter.OnOutcome(OutcomeEvent{
		EditID:    edit.ID,
		UserID:    edit.UserID,
		Status:    StatusFailed,
		ErrorType: errType,
		Provider:  meta.Provider,
		Duration:  now.Sub(start),
		Error:     cause,
	})
	return taskFailed
}

// noopMeter is the default meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnAttempt(AttemptEvent)  {}
func (m *noopMeter) OnOutcome(OutcomeEvent) {}
