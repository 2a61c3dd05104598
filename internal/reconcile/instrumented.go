package reconcile

import (
	"context"
	"time"

	"github.com/flightctl/calcifer/internal/twin"
)

// OutcomeRecorder is the narrow internal/metrics operation this package
// depends on to time and count every Reconcile call.
type OutcomeRecorder interface {
	ObserveReconcile(outcome string, duration time.Duration)
}

// InstrumentedCoordinator wraps a Coordinator so every Reconcile call is
// timed and counted by outcome, without requiring Coordinator itself to
// know about internal/metrics.
type InstrumentedCoordinator struct {
	coordinator *Coordinator
	recorder    OutcomeRecorder
}

// NewInstrumented wraps c. recorder may be nil, in which case Reconcile
// behaves exactly like calling c.Reconcile directly.
func NewInstrumented(c *Coordinator, recorder OutcomeRecorder) *InstrumentedCoordinator {
	return &InstrumentedCoordinator{coordinator: c, recorder: recorder}
}

// Reconcile runs the wrapped Coordinator's Reconcile and records its
// outcome and duration.
func (i *InstrumentedCoordinator) Reconcile(ctx context.Context, deviceId twin.DeviceId) (Outcome, error) {
	start := time.Now()
	outcome, err := i.coordinator.Reconcile(ctx, deviceId)
	if i.recorder != nil {
		i.recorder.ObserveReconcile(string(outcome), time.Since(start))
	}
	return outcome, err
}
