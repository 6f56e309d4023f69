package meter

import "github.com/ineyio/editqueue"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ editqueue.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(editqueue.AttemptEvent) {}
func (m *NoopMeter) OnOutcome(editqueue.OutcomeEvent) {}
