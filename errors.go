package editqueue

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrEditNotFound  = errors.New("editqueue: edit not found")
	ErrQuotaExceeded = errors.New("editqueue: quota exceeded")
	ErrNotRetryable  = errors.New("editqueue: only failed edits can be retried")
	ErrInvalidEditID = errors.New("editqueue: invalid edit id")
	ErrInvalidEdit   = errors.New("editqueue: invalid edit request")
	ErrNoProvider    = errors.New("editqueue: no provider configured")
	ErrBatchTooLarge = errors.New("editqueue: batch too large")
)

// FailureKind classifies a provider failure for the retry engine.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureRateLimited
	FailureModelLoading
	FailureAPI
	FailureNetwork
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureRateLimited:
		return "rate_limited"
	case FailureModelLoading:
		return "model_loading"
	case FailureAPI:
		return "api_error"
	case FailureNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// RateLimitedError is returned when the provider answered 429.
// RetryAfter is zero when the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("editqueue: rate limited (retry after %s)", e.RetryAfter)
}

// ModelLoadingError is returned when the provider reports the model is still loading.
// Estimated is zero when the provider gave no estimate.
type ModelLoadingError struct {
	Estimated time.Duration
}

func (e *ModelLoadingError) Error() string {
	return fmt.Sprintf("editqueue: model loading (estimated %s)", e.Estimated)
}

// APIError is a non-2xx, non-429 provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("editqueue: provider api error %d: %s", e.StatusCode, e.Body)
}

// NetworkError covers timeouts, transport failures and malformed responses.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("editqueue: provider request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Classify returns the failure kind of a provider error.
// Errors of no known type are FailureNetwork.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var rl *RateLimitedError
	var ml *ModelLoadingError
	var api *APIError
	switch {
	case errors.As(err, &rl):
		return FailureRateLimited
	case errors.As(err, &ml):
		return FailureModelLoading
	case errors.As(err, &api):
		return FailureAPI
	default:
		return FailureNetwork
	}
}

// FallbackError is the terminal error when both the primary and the fallback failed.
// Primary is nil when the primary was skipped.
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	if e.Primary == nil {
		return fmt.Sprintf("editqueue: fallback failed: %v", e.Fallback)
	}
	return fmt.Sprintf("editqueue: primary and fallback failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error {
	if e.Primary == nil {
		return []error{e.Fallback}
	}
	return []error{e.Primary, e.Fallback}
}

// QuotaExceededError is returned when a user has no free allowance left.
type QuotaExceededError struct {
	Used  int64
	Limit int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("editqueue: user has exceeded AI quota: used %d/%d", e.Used, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// ErrorType is the terminal failure classification stored on an edit.
type ErrorType string

const (
	ErrorQuotaExceeded  ErrorType = "QUOTA_EXCEEDED"
	ErrorRateLimited    ErrorType = "RATE_LIMITED"
	ErrorModelLoading   ErrorType = "MODEL_LOADING"
	ErrorAPI            ErrorType = "API_ERROR"
	ErrorFallbackFailed ErrorType = "FALLBACK_FAILED"
	ErrorUnknown        ErrorType = "UNKNOWN_ERROR"
)

// ErrorTypeOf maps a terminal task error onto the stored taxonomy.
// When both providers failed, the primary's last failure decides the type.
func ErrorTypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return ErrorQuotaExceeded
	}
	var fe *FallbackError
	if !errors.As(err, &fe) {
		return ErrorUnknown
	}
	if fe.Primary == nil {
		return ErrorFallbackFailed
	}
	switch Classify(fe.Primary) {
	case FailureRateLimited:
		return ErrorRateLimited
	case FailureModelLoading:
		return ErrorModelLoading
	case FailureAPI:
		return ErrorAPI
	default:
		return ErrorFallbackFailed
	}
}
