// Package housekeeping runs TwinStore's two background maintenance jobs
// described in spec §4.1's Index invariants paragraph: a daily sweep that
// removes active-OUTPUT index entries whose primary twin record is gone,
// and a periodic check that flags (but never deletes) devices that have
// gone quiet for longer than the configured staleness window.
package housekeeping

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/metrics"
	"github.com/flightctl/calcifer/internal/twin"
)

// TwinMaintainer is the narrow TwinStore surface this package depends on.
type TwinMaintainer interface {
	FindStaleDevices(ctx context.Context, staleSince time.Time) ([]twin.DeviceId, error)
	OrphanSweep(ctx context.Context) (removed int, err error)
}

// Housekeeper drives TwinMaintainer's two sweeps on independent tickers.
type Housekeeper struct {
	log         logrus.FieldLogger
	store       TwinMaintainer
	bus         events.Bus
	staleAfter  time.Duration
	orphanEvery time.Duration
	staleEvery  time.Duration
	now         func() time.Time
}

// New constructs a Housekeeper. staleAfter, orphanEvery, and staleEvery
// come from config.Config's Twin section.
func New(log logrus.FieldLogger, store TwinMaintainer, bus events.Bus, staleAfter, orphanEvery, staleEvery time.Duration) *Housekeeper {
	return &Housekeeper{
		log:         log,
		store:       store,
		bus:         bus,
		staleAfter:  staleAfter,
		orphanEvery: orphanEvery,
		staleEvery:  staleEvery,
		now:         time.Now,
	}
}

// Run blocks, firing the orphan sweep and the staleness check on their own
// tickers, until ctx is done. Intended to run in its own goroutine from
// cmd/calcifer-periodic, alongside HealthMonitor and the override sweeper.
func (h *Housekeeper) Run(ctx context.Context) {
	orphanTicker := time.NewTicker(h.orphanEvery)
	defer orphanTicker.Stop()
	staleTicker := time.NewTicker(h.staleEvery)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orphanTicker.C:
			h.runOrphanSweep(ctx)
		case <-staleTicker.C:
			h.runStalenessCheck(ctx)
		}
	}
}

func (h *Housekeeper) runOrphanSweep(ctx context.Context) {
	removed, err := h.store.OrphanSweep(ctx)
	if err != nil {
		h.log.WithError(err).Error("housekeeping: orphan sweep failed")
		return
	}
	if removed > 0 {
		metrics.TwinOrphansSweptTotal.Add(float64(removed))
		h.log.WithField("removed", removed).Info("housekeeping: swept orphaned active-output index entries")
	}
}

// runStalenessCheck flags devices past the staleness window. Flagging is
// observational only (a log line, a metric, and an event for subscribers
// that want to alert on it) — the spec is explicit that staleness never
// triggers an automatic delete.
func (h *Housekeeper) runStalenessCheck(ctx context.Context) {
	stale, err := h.store.FindStaleDevices(ctx, h.now().Add(-h.staleAfter))
	if err != nil {
		h.log.WithError(err).Error("housekeeping: staleness check failed")
		return
	}
	for _, id := range stale {
		metrics.TwinStaleDevicesFlaggedTotal.Inc()
		h.log.WithField("device_id", id.Canonical()).Warn("housekeeping: device flagged stale")
		if h.bus != nil {
			h.bus.Publish(ctx, events.Event{
				Kind:       events.KindDeviceStale,
				DeviceID:   id.Canonical(),
				Scope:      events.ScopeDevice,
				OccurredAt: h.now(),
			})
		}
	}
}
