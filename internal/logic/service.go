// Package logic implements LogicService (§4.7): the subscriber that turns
// twin-change and override events into reconciliation work, bounded by a
// small worker pool so a burst of events never spawns unbounded goroutines.
package logic

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/twin"
)

const defaultMaxWorkers = 8

// Reconciler is the narrow reconcile.Coordinator operation this package
// depends on.
type Reconciler interface {
	Reconcile(ctx context.Context, deviceId twin.DeviceId) (outcome string, err error)
}

// SystemMembers resolves which devices belong to a system, used to fan a
// SYSTEM-scoped override event out to every member device.
type SystemMembers interface {
	Get(ctx context.Context, systemId string) (twin.FunctionalSystem, error)
}

// Service is LogicService: it subscribes to the event bus and schedules
// reconciliation work onto a bounded errgroup-backed pool.
type Service struct {
	log        logrus.FieldLogger
	reconciler Reconciler
	systems    SystemMembers

	group *errgroup.Group

	overflowMu sync.Mutex
	overflowed int
}

// NewService constructs a Service, bounds it to maxWorkers concurrent
// reconciliations (defaultMaxWorkers when maxWorkers <= 0), and subscribes
// it to bus.
func NewService(log logrus.FieldLogger, bus events.Bus, reconciler Reconciler, systems SystemMembers, maxWorkers int) *Service {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}

	group := &errgroup.Group{}
	group.SetLimit(maxWorkers)

	s := &Service{
		log:        log,
		reconciler: reconciler,
		systems:    systems,
		group:      group,
	}

	bus.Subscribe(events.KindIntentChanged, s.handleDeviceEvent)
	bus.Subscribe(events.KindReportedChanged, s.handleDeviceEvent)
	bus.Subscribe(events.KindOverrideApplied, s.handleOverrideEvent)
	bus.Subscribe(events.KindOverrideExpired, s.handleOverrideEvent)

	return s
}

// Wait blocks until every submitted reconciliation has completed. Intended
// for graceful shutdown.
func (s *Service) Wait() {
	_ = s.group.Wait()
}

// OverflowCount returns how many reconciliations ran synchronously on the
// submitting goroutine because the pool was at its concurrency limit.
func (s *Service) OverflowCount() int {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	return s.overflowed
}

// submit schedules task on the bounded pool via TryGo. When the pool is
// already at maxWorkers, TryGo reports false and task runs synchronously on
// the calling goroutine instead — the "overflow policy: run on submitter"
// from §4.7.
func (s *Service) submit(task func() error) {
	if s.group.TryGo(task) {
		return
	}
	s.overflowMu.Lock()
	s.overflowed++
	s.overflowMu.Unlock()
	if err := task(); err != nil {
		s.log.WithError(err).Warn("logic: synchronous overflow task returned an error")
	}
}

func (s *Service) handleDeviceEvent(ctx context.Context, event events.Event) error {
	deviceId, err := twin.ParseDeviceId(event.DeviceID)
	if err != nil {
		s.log.WithError(err).WithField("device_id", event.DeviceID).Warn("logic: dropping event with unparseable device id")
		return nil
	}
	s.submit(func() error { return s.reconcile(ctx, deviceId) })
	return nil
}

func (s *Service) handleOverrideEvent(ctx context.Context, event events.Event) error {
	if event.Scope != events.ScopeSystem {
		return s.handleDeviceEvent(ctx, event)
	}
	if s.systems == nil {
		return nil
	}
	system, err := s.systems.Get(ctx, event.SystemID)
	if err != nil {
		s.log.WithError(err).WithField("system_id", event.SystemID).Warn("logic: failed to load functional system for override fan-out")
		return err
	}
	for _, deviceId := range system.DeviceIds {
		id := deviceId
		s.submit(func() error { return s.reconcile(ctx, id) })
	}
	return nil
}

func (s *Service) reconcile(ctx context.Context, deviceId twin.DeviceId) error {
	outcome, err := s.reconciler.Reconcile(ctx, deviceId)
	if err != nil {
		s.log.WithError(err).WithField("device_id", deviceId.Canonical()).Error("logic: reconciliation failed")
		return err
	}
	s.log.WithFields(logrus.Fields{"device_id": deviceId.Canonical(), "outcome": outcome}).Debug("logic: reconciliation complete")
	return nil
}
