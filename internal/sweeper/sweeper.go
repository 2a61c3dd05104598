// Package sweeper implements OverrideExpirationSweeper (§4.9): the
// periodic job that deletes expired overrides and triggers reconciliation
// for every device the expiry affects.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/store"
	"github.com/flightctl/calcifer/internal/twin"
)

// OverrideDeleter is the narrow OverrideStore surface this package depends
// on.
type OverrideDeleter interface {
	PopExpired(asOf time.Time) []store.ExpiredKey
	GetCached(ctx context.Context, targetId string, category twin.OverrideCategory) (twin.Override, bool, error)
	Delete(ctx context.Context, targetId string, category twin.OverrideCategory) error
}

// SystemMembers resolves a functional system's member devices. New stores
// it, but RunOnce does not call it: a SYSTEM-scoped expiry is published with
// its system id, and resolving the members is left to the bus's subscribers.
type SystemMembers interface {
	Get(ctx context.Context, systemId string) (twin.FunctionalSystem, error)
}

// Sweeper is OverrideExpirationSweeper.
type Sweeper struct {
	log       logrus.FieldLogger
	overrides OverrideDeleter
	systems   SystemMembers
	bus       events.Bus
	schedule  cron.Schedule
	now       func() time.Time
}

// New constructs a Sweeper. schedule is parsed from
// override.expirationIntervalCron (config.Config.SweepSchedule).
func New(log logrus.FieldLogger, overrides OverrideDeleter, systems SystemMembers, bus events.Bus, schedule cron.Schedule) *Sweeper {
	return &Sweeper{log: log, overrides: overrides, systems: systems, bus: bus, schedule: schedule, now: time.Now}
}

// Run blocks, invoking RunOnce at each schedule-computed firing time, until
// ctx is done. Intended to run in its own goroutine from
// cmd/calcifer-periodic.
func (s *Sweeper) Run(ctx context.Context) {
	next := s.schedule.Next(s.now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.RunOnce(ctx)
			next = s.schedule.Next(s.now())
			timer.Reset(time.Until(next))
		}
	}
}

// RunOnce runs a single sweep cycle (§4.9 steps 1-4): drains every expired
// override from the index, deletes it, and publishes OverrideExpired
// (SYSTEM-scoped when the cached override is) for the bus's subscribers to
// reconcile. A per-override failure is logged and does not abort the
// remainder of the cycle.
func (s *Sweeper) RunOnce(ctx context.Context) {
	expired := s.overrides.PopExpired(s.now())
	for _, key := range expired {
		s.sweepOne(ctx, key)
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, key store.ExpiredKey) {
	logger := s.log.WithField("target_id", key.TargetId).WithField("category", key.Category)

	override, found, err := s.overrides.GetCached(ctx, key.TargetId, key.Category)
	if err != nil {
		logger.WithError(err).Warn("sweeper: failed to load cached override before deletion")
	}

	if err := s.overrides.Delete(ctx, key.TargetId, key.Category); err != nil {
		logger.WithError(err).Error("sweeper: failed to delete expired override")
		return
	}

	event := events.Event{Kind: events.KindOverrideExpired, Scope: events.ScopeDevice, DeviceID: key.TargetId, Reason: string(key.Category)}
	if found && override.Scope == twin.ScopeSystem {
		event.Scope = events.ScopeSystem
		event.SystemID = key.TargetId
		event.DeviceID = ""
	}

	if s.bus != nil {
		s.bus.Publish(ctx, event)
	}

	logger.Info("sweeper: expired override removed")
}
