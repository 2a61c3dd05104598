// Package health implements HealthMonitor (§4.10): a periodic check of the
// infrastructure ReconciliationCoordinator and CommandDispatcher depend on,
// fail-stop on any component going unhealthy.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/events"
)

// Component names the fixed set of infrastructure dependencies checked
// every cycle (§4.10): Postgres (primary store), Redis (cache + queue
// transport), and the messaging bus's own connectivity.
type Component string

const (
	ComponentStoragePrimary Component = "storage.primary"
	ComponentStorageCache   Component = "storage.cache"
	ComponentMessagingBus   Component = "messaging.bus"
)

// Checker probes a single component's health. Implementations wrap
// *sql.DB.PingContext / *redis.Client.Ping / queues.Provider.CheckHealth.
type Checker func(ctx context.Context) error

// Monitor is HealthMonitor: it runs every component's Checker on a fixed
// interval, caches the last-known-healthy bit per component, and publishes
// InfrastructureFailure/InfrastructureRecovery transitions on the event bus.
type Monitor struct {
	log      logrus.FieldLogger
	bus      events.Bus
	interval time.Duration
	checkers map[Component]Checker

	mu          sync.RWMutex
	healthy     map[Component]bool
	sinceChange map[Component]time.Time
}

// NewMonitor constructs a Monitor. All components start marked healthy
// until the first check cycle runs, matching a fresh process's optimistic
// startup assumption.
func NewMonitor(log logrus.FieldLogger, bus events.Bus, interval time.Duration, checkers map[Component]Checker) *Monitor {
	healthy := make(map[Component]bool, len(checkers))
	sinceChange := make(map[Component]time.Time, len(checkers))
	now := time.Now()
	for name := range checkers {
		healthy[name] = true
		sinceChange[name] = now
	}
	return &Monitor{
		log:         log,
		bus:         bus,
		interval:    interval,
		checkers:    checkers,
		healthy:     healthy,
		sinceChange: sinceChange,
	}
}

// Run blocks, checking every component on Monitor's interval, until ctx is
// done. Each cmd/* binary runs its own Monitor in a separate goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	for name, check := range m.checkers {
		err := check(ctx)
		m.recordResult(ctx, name, err)
	}
}

func (m *Monitor) recordResult(ctx context.Context, name Component, checkErr error) {
	nowHealthy := checkErr == nil

	m.mu.Lock()
	wasHealthy, known := m.healthy[name]
	transitioned := !known || wasHealthy != nowHealthy
	var downtime time.Duration
	var unhealthySince time.Time
	if transitioned {
		unhealthySince = m.sinceChange[name]
		downtime = time.Since(unhealthySince)
		m.sinceChange[name] = time.Now()
	}
	m.healthy[name] = nowHealthy
	m.mu.Unlock()

	if !transitioned {
		return
	}

	if nowHealthy {
		m.log.WithField("component", name).WithField("unhealthy_since", humanize.Time(unhealthySince)).Warn("health: component recovered")
		if m.bus != nil {
			m.bus.Publish(ctx, events.Event{Kind: events.KindInfrastructureRecovery, Reason: string(name), Details: map[string]string{"downtime": downtime.String()}})
		}
		return
	}

	m.log.WithField("component", name).WithError(checkErr).Error("health: component unhealthy")
	if m.bus != nil {
		m.bus.Publish(ctx, events.Event{Kind: events.KindInfrastructureFailure, Reason: string(name)})
	}
}

// IsHealthy reports whether every checked component's last result was
// healthy (§4.10's fail-stop gate). Consulted synchronously, with no I/O,
// by ReconciliationCoordinator and CommandDispatcher on every call.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, healthy := range m.healthy {
		if !healthy {
			return false
		}
	}
	return true
}

// CheckHealth implements the teacher's api.HealthChecker contract
// (CheckHealth(ctx) error) so /readyz can reuse the same cached gate
// without re-pinging every dependency per request.
func (m *Monitor) CheckHealth(context.Context) error {
	if m.IsHealthy() {
		return nil
	}
	return errUnhealthy
}

var errUnhealthy = errors.New("one or more infrastructure components are unhealthy")
