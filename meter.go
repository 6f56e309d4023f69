package editqueue

import "time"

// Meter observes queue events for monitoring/logging.
type Meter interface {
	// OnAttempt is called after every provider call.
	OnAttempt(event AttemptEvent)

	// OnOutcome is called when an edit reaches a terminal state.
	OnOutcome(event OutcomeEvent)
}

// AttemptEvent describes one provider call.
type AttemptEvent struct {
	EditID   string
	Provider string
	Model    string
	Attempt  int
	Fallback bool
	Success  bool
	Duration time.Duration
	Failure  FailureKind
	Error    error
}

// OutcomeEvent describes the terminal transition of an edit.
type OutcomeEvent struct {
	EditID    string
	UserID    string
	Status    Status
	ErrorType ErrorType
	Provider  string
	Cost      int64
	Duration  time.Duration
	Error     error
}
