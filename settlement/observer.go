package settlement

import "time"

// Outcome of one driver in a generation batch.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Observer receives engine events for metrics. Implementations must be
// safe for concurrent use.
type Observer interface {
	DriverProcessed(outcome Outcome)
	BatchCompleted(mode DispatchMode, elapsed time.Duration)
	TransitionAttempted(op string, err error)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) DriverProcessed(Outcome)                    {}
func (NopObserver) BatchCompleted(DispatchMode, time.Duration) {}
func (NopObserver) TransitionAttempted(string, error)          {}
