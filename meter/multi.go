package meter

import "github.com/ineyio/editqueue"

// Multi fans events out to several meters in order.
type Multi []editqueue.Meter

var _ editqueue.Meter = Multi(nil)

func (m Multi) OnAttempt(e editqueue.AttemptEvent) {
	for _, mt := range m {
		mt.OnAttempt(e)
	}
}

func (m Multi) OnOutcome(e editqueue.OutcomeEvent) {
	for _, mt := range m {
		mt.OnOutcome(e)
	}
}
