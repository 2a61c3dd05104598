// Package events defines the in-process event fabric (§4.7) that connects
// the write side of the twin (TwinStore, OverrideStore) to LogicService's
// reconciliation triggers and CommandDispatcher's outbound publishing.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies what happened, mirroring the teacher's domain.EventReason
// string-enum idiom for readable logs and audit entries.
type Kind string

const (
	KindIntentChanged         Kind = "IntentChanged"
	KindReportedChanged       Kind = "ReportedChanged"
	KindDesiredStateCalculated Kind = "DesiredStateCalculated"
	KindOverrideApplied       Kind = "OverrideApplied"
	KindOverrideExpired       Kind = "OverrideExpired"
	KindInfrastructureFailure Kind = "InfrastructureFailure"
	KindInfrastructureRecovery Kind = "InfrastructureRecovery"
	KindDeviceStale           Kind = "DeviceStale"
)

// Scope distinguishes a device-targeted event from a system-targeted one,
// used by OverrideApplied/OverrideExpired to tell LogicService whether to
// fan out to every member device of a functional system.
type Scope string

const (
	ScopeDevice Scope = "DEVICE"
	ScopeSystem Scope = "SYSTEM"
)

// Event is the fabric's single payload shape, grounded on the teacher's
// domain.Event{Kind, Reason, Metadata, Details}.
type Event struct {
	Kind       Kind
	Reason     string
	DeviceID   string
	SystemID   string
	Scope      Scope
	OccurredAt time.Time
	Details    map[string]string
}

// Handler processes one published event. A Handler error is logged by the
// Bus and never blocks or aborts delivery to other subscribers.
type Handler func(ctx context.Context, event Event) error

// Bus is the narrow publish/subscribe contract LogicService and
// CommandDispatcher depend on.
type Bus interface {
	Subscribe(kind Kind, handler Handler)
	Publish(ctx context.Context, event Event)
}

// InProcessBus is a synchronous, in-process fan-out bus: Publish calls every
// subscribed handler for the event's Kind on the calling goroutine, in
// subscription order. It carries no cross-process delivery guarantee —
// that is internal/messaging's job, layered on top of pkg/queues.
type InProcessBus struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

func NewInProcessBus(log logrus.FieldLogger) *InProcessBus {
	return &InProcessBus{log: log, handlers: make(map[Kind][]Handler)}
}

// Subscribe registers handler to run for every Event of the given Kind.
func (b *InProcessBus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Publish invokes every handler subscribed to event.Kind. A handler error is
// logged and does not prevent remaining handlers from running.
func (b *InProcessBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Kind]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.log.WithError(err).WithFields(logrus.Fields{
				"kind":      event.Kind,
				"device_id": event.DeviceID,
				"system_id": event.SystemID,
			}).Warn("event handler returned an error")
		}
	}
}
