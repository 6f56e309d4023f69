package meter

import (
	"log/slog"

	"github.com/ineyio/editqueue"
)

// LogMeter logs queue events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ editqueue.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e editqueue.AttemptEvent) {
	if e.Success {
		m.Logger.Debug("attempt",
			"edit_id", e.EditID,
			"provider", e.Provider,
			"model", e.Model,
			"attempt", e.Attempt,
			"fallback", e.Fallback,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Warn("attempt_error",
		"edit_id", e.EditID,
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.Attempt,
		"fallback", e.Fallback,
		"failure", e.Failure.String(),
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnOutcome(e editqueue.OutcomeEvent) {
	if e.Status == editqueue.StatusCompleted {
		m.Logger.Info("outcome",
			"edit_id", e.EditID,
			"user_id", e.UserID,
			"status", e.Status,
			"provider", e.Provider,
			"cost", e.Cost,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Warn("outcome_error",
		"edit_id", e.EditID,
		"user_id", e.UserID,
		"status", e.Status,
		"error_type", e.ErrorType,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}
