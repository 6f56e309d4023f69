package editqueue

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an edit request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition follows s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Quality is the requested output quality tier.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
	Quality4K       Quality = "4k"
)

// EditRequest is one user-submitted image transformation job.
type EditRequest struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	InputImageURL  string     `json:"input_image_url"`
	Prompt         string     `json:"prompt"`
	Model          string     `json:"ai_model"`
	Quality        Quality    `json:"quality"`
	Status         Status     `json:"status"`
	OutputImageURL string     `json:"output_image_url,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Cost           int64      `json:"cost"` // cents
	Metadata       Metadata   `json:"metadata"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// DefaultModel is the model selector used when a request names none.
const DefaultModel = "auto"

// PrepareEdit validates a new edit and fills the fields a store sets on insert:
// ID (a new UUID when empty), status queued, default model and quality, CreatedAt.
func PrepareEdit(e EditRequest, now time.Time) (EditRequest, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return EditRequest{}, fmt.Errorf("%w: user_id is required", ErrInvalidEdit)
	}
	if strings.TrimSpace(e.InputImageURL) == "" {
		return EditRequest{}, fmt.Errorf("%w: input_image_url is required", ErrInvalidEdit)
	}
	if strings.TrimSpace(e.Prompt) == "" {
		return EditRequest{}, fmt.Errorf("%w: prompt is required", ErrInvalidEdit)
	}
	switch e.Quality {
	case "":
		e.Quality = QualityStandard
	case QualityStandard, QualityHD, Quality4K:
	default:
		return EditRequest{}, fmt.Errorf("%w: unknown quality %q", ErrInvalidEdit, e.Quality)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Model == "" {
		e.Model = DefaultModel
	}
	e.Status = StatusQueued
	e.OutputImageURL = ""
	e.ErrorMessage = ""
	e.Cost = 0
	e.CompletedAt = nil
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e, nil
}

// Metadata holds free-form processing details recorded on an edit.
type Metadata struct {
	StartedAt           *time.Time `json:"started_at,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	Attempts            int        `json:"attempts,omitempty"`
	RateLimitRetries    int        `json:"rate_limit_retries"`
	ModelLoadingRetries int        `json:"model_loading_retries"`
	Provider            string     `json:"provider,omitempty"`
	UsedFallback        bool       `json:"used_fallback,omitempty"`
	ProcessingTimeMs    int64      `json:"processing_time_ms,omitempty"`
	ErrorType           ErrorType  `json:"error_type,omitempty"`
}

// Value implements driver.Valuer so Metadata can be stored in JSON columns.
func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return m.unmarshal(v)
	case string:
		return m.unmarshal([]byte(v))
	default:
		return fmt.Errorf("editqueue: cannot scan %T into Metadata", src)
	}
}

func (m *Metadata) unmarshal(b []byte) error {
	if len(b) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// EditUpdate is a partial update of an edit record. Nil fields are left unchanged.
type EditUpdate struct {
	Status         *Status
	OutputImageURL *string
	ErrorMessage   *string
	Cost           *int64
	Metadata       *Metadata
	CompletedAt    *time.Time
}

// Apply writes the non-nil fields of u onto e.
func (u EditUpdate) Apply(e *EditRequest) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.OutputImageURL != nil {
		e.OutputImageURL = *u.OutputImageURL
	}
	if u.ErrorMessage != nil {
		e.ErrorMessage = *u.ErrorMessage
	}
	if u.Cost != nil {
		e.Cost = *u.Cost
	}
	if u.Metadata != nil {
		e.Metadata = *u.Metadata
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		e.CompletedAt = &t
	}
}

// Quota is a user's remaining allowance for the current month.
type Quota struct {
	CanUse    bool  `json:"can_use"`
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// NewQuota derives a Quota from the free-tier count and the monthly limit.
func NewQuota(used, limit int64) Quota {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{
		CanUse:    remaining > 0,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
	}
}

// Usage is one user's ledger row for a calendar month.
type Usage struct {
	UserID       string    `json:"user_id"`
	Month        string    `json:"month"` // YYYY-MM
	FreeRequests int64     `json:"free_requests"`
	PaidRequests int64     `json:"paid_requests"`
	TotalCost    int64     `json:"total_cost"`
	LastReset    time.Time `json:"last_reset"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MonthOf returns the ledger month key for t in UTC.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DefaultMonthlyFreeLimit is the free-tier allowance per user per month.
const DefaultMonthlyFreeLimit = 1000

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
