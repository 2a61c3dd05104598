// Package dispatch implements CommandDispatcher (§4.8): it watches
// DesiredStateCalculated events and, after a debounce window collapses any
// immediately-following recalculations, publishes the device command that
// realizes the final Desired value.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/twin"
)

// Clock abstracts time.AfterFunc so debounce timers are mockable in tests
// without real sleeps, generalized from the teacher's Clock/Ticker
// abstraction in internal/agent/device/engine.go.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is satisfied directly by *time.Timer.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// HealthChecker reports whether infrastructure is currently healthy.
type HealthChecker interface {
	IsHealthy() bool
}

// TwinReader is the narrow TwinStore operation this package depends on.
type TwinReader interface {
	GetSnapshot(ctx context.Context, id twin.DeviceId) (twin.DeviceTwinSnapshot, error)
}

// Publisher is the narrow internal/messaging operation this package
// depends on.
type Publisher interface {
	PublishCommand(ctx context.Context, deviceId twin.DeviceId, value twin.DeviceValue) error
}

// Recorder receives dispatcher counters. A nil Recorder is a no-op; callers
// that need metrics plug in internal/metrics's prometheus-backed
// implementation.
type Recorder interface {
	Debounced()
	SkippedUnhealthy()
	SkippedConverged()
	Sent()
}

type noopRecorder struct{}

func (noopRecorder) Debounced()        {}
func (noopRecorder) SkippedUnhealthy() {}
func (noopRecorder) SkippedConverged() {}
func (noopRecorder) Sent()             {}

// Dispatcher is CommandDispatcher.
type Dispatcher struct {
	log      logrus.FieldLogger
	clock    Clock
	debounce time.Duration
	health   HealthChecker
	twin     TwinReader
	publish  Publisher
	record   Recorder

	// timers holds one *time.Timer (via Timer) per device key currently in
	// the WAIT state; a device absent from the map is IDLE.
	timers sync.Map // map[string]Timer

	pending atomic.Int64
}

// New constructs a Dispatcher and subscribes it to bus. debounce is
// reconcile.debounceMs (§6, default 50ms). record may be nil.
func New(log logrus.FieldLogger, bus events.Bus, health HealthChecker, twinReader TwinReader, publisher Publisher, debounce time.Duration, record Recorder) *Dispatcher {
	if record == nil {
		record = noopRecorder{}
	}
	d := &Dispatcher{
		log:      log,
		clock:    realClock{},
		debounce: debounce,
		health:   health,
		twin:     twinReader,
		publish:  publisher,
		record:   record,
	}
	bus.Subscribe(events.KindDesiredStateCalculated, d.handleDesiredStateCalculated)
	return d
}

// PendingCount reports how many devices are currently in the WAIT state
// (debounce window open).
func (d *Dispatcher) PendingCount() int64 {
	return d.pending.Load()
}

func (d *Dispatcher) handleDesiredStateCalculated(ctx context.Context, event events.Event) error {
	deviceId, err := twin.ParseDeviceId(event.DeviceID)
	if err != nil {
		d.log.WithError(err).WithField("device_id", event.DeviceID).Warn("dispatch: dropping event with unparseable device id")
		return nil
	}
	d.schedule(ctx, deviceId)
	return nil
}

// schedule implements the per-device IDLE/WAIT state machine: a new arrival
// while WAIT resets (not recreates) the existing timer and counts as a
// debounce coalescing; a new arrival while IDLE starts the timer and moves
// the device to WAIT.
func (d *Dispatcher) schedule(ctx context.Context, deviceId twin.DeviceId) {
	key := deviceId.Canonical()

	if existing, ok := d.timers.Load(key); ok {
		existing.(Timer).Reset(d.debounce)
		d.record.Debounced()
		return
	}

	d.pending.Add(1)
	timer := d.clock.AfterFunc(d.debounce, func() { d.fire(ctx, deviceId) })
	d.timers.Store(key, timer)
}

// fire runs when a device's debounce window has elapsed with no further
// coalescing arrivals: it moves the device back to IDLE and, unless a
// health or convergence gate applies, publishes the outbound command.
func (d *Dispatcher) fire(ctx context.Context, deviceId twin.DeviceId) {
	key := deviceId.Canonical()
	d.timers.Delete(key)
	d.pending.Add(-1)

	if d.health != nil && !d.health.IsHealthy() {
		d.record.SkippedUnhealthy()
		d.log.WithField("device_id", key).Debug("dispatch: skipping command, infrastructure unhealthy")
		return
	}

	snapshot, err := d.twin.GetSnapshot(ctx, deviceId)
	if err != nil {
		d.log.WithError(err).WithField("device_id", key).Error("dispatch: failed to load twin snapshot")
		return
	}
	if snapshot.Desired == nil {
		return
	}
	if snapshot.IsConverged() {
		d.record.SkippedConverged()
		return
	}

	if err := d.publish.PublishCommand(ctx, deviceId, snapshot.Desired.Value); err != nil {
		d.log.WithError(err).WithField("device_id", key).Error("dispatch: failed to publish command")
		return
	}
	d.record.Sent()
}

// Flush blocks until every pending debounce timer has fired, up to grace.
// Intended for graceful shutdown so in-flight commands are not silently
// dropped.
func (d *Dispatcher) Flush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for d.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}
