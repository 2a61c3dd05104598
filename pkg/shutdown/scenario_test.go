package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_WorkerShutdownSequence reproduces, at the unit level, the
// registration shape cmd/calcifer-worker builds: a Manager runs the
// long-lived servers (health monitor, feedback consumer, metrics) and a
// single LIFO cleanup hook drains a priority-ordered ShutdownManager
// covering the logic service, dispatcher, publisher, queue provider, cache
// and database. The logic service and dispatcher (PriorityHigh) must
// finish before the stores they write through (PriorityLowest) are closed.
func TestScenario_WorkerShutdownSequence(t *testing.T) {
	log, _ := test.NewNullLogger()
	manager := NewManager(log)
	status := NewShutdownManager(log)
	status.SetServiceName("calcifer-worker")

	var mu sync.Mutex
	var drainOrder []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			drainOrder = append(drainOrder, name)
			mu.Unlock()
			return nil
		}
	}

	status.Register("database", PriorityLowest, TimeoutQuick, record("database"))
	status.Register("redis", PriorityLowest, TimeoutQuick, record("redis"))
	status.Register("publisher", PriorityLow, TimeoutQuick, record("publisher"))
	status.Register("queue-provider", PriorityLow, TimeoutQuick, record("queue-provider"))
	status.Register("logic-service", PriorityHigh, TimeoutCompletion, record("logic-service"))
	status.Register("dispatcher", PriorityHigh, TimeoutCompletion, record("dispatcher"))

	manager.AddServer("health-monitor", &fakeServer{}).
		AddServer("feedback-consumer", &fakeServer{}).
		AddServer("metrics", &fakeServer{}).
		AddCleanup("drain-components", func() error {
			return status.Shutdown(context.Background())
		})

	require.NoError(t, manager.Run(context.Background()))

	require.Len(t, drainOrder, 6)
	highPriorityDrained := map[string]bool{"logic-service": false, "dispatcher": false}
	for i, name := range drainOrder {
		if _, ok := highPriorityDrained[name]; ok {
			highPriorityDrained[name] = true
		}
		if name == "database" || name == "redis" {
			for _, drained := range highPriorityDrained {
				assert.True(t, drained, "%s drained at position %d before logic-service/dispatcher finished", name, i)
			}
		}
	}

	finalStatus := status.GetShutdownStatus()
	assert.Equal(t, string(StateCompleted), finalStatus.State)
	assert.Len(t, finalStatus.CompletedComponents, 6)
}

// TestScenario_PeriodicShutdownSequence mirrors the drain cmd/calcifer-periodic
// registers: database and redis (PriorityLowest) close in registration
// order. Two of its top-level servers, the health monitor and the override
// sweeper, stand in for the full set.
func TestScenario_PeriodicShutdownSequence(t *testing.T) {
	log, _ := test.NewNullLogger()
	manager := NewManager(log)
	status := NewShutdownManager(log)
	status.SetServiceName("calcifer-periodic")

	var drained []string
	status.Register("database", PriorityLowest, TimeoutQuick, func(context.Context) error {
		drained = append(drained, "database")
		return nil
	})
	status.Register("redis", PriorityLowest, TimeoutQuick, func(context.Context) error {
		drained = append(drained, "redis")
		return nil
	})

	manager.AddServer("health-monitor", &fakeServer{}).
		AddServer("override-sweeper", &fakeServer{}).
		AddCleanup("drain-components", func() error {
			return status.Shutdown(context.Background())
		})

	require.NoError(t, manager.Run(context.Background()))
	assert.Equal(t, []string{"database", "redis"}, drained)
}

// TestScenario_OneServerFailureStillDrainsEveryComponent asserts a single
// failed top-level server (e.g. the feedback consumer losing its Redis
// Streams connection) still triggers a full, successful component drain via
// the cleanup hook, while the Manager itself reports the failure.
func TestScenario_OneServerFailureStillDrainsEveryComponent(t *testing.T) {
	log, _ := test.NewNullLogger()
	manager := NewManager(log)
	status := NewShutdownManager(log)

	var drained []string
	status.Register("dispatcher", PriorityHigh, TimeoutQuick, func(context.Context) error {
		drained = append(drained, "dispatcher")
		return nil
	})
	status.Register("database", PriorityLowest, TimeoutQuick, func(context.Context) error {
		drained = append(drained, "database")
		return nil
	})

	manager.AddServer("health-monitor", &fakeServer{}).
		AddServer("feedback-consumer", &fakeServer{runError: errors.New("stream connection lost")}).
		AddCleanup("drain-components", func() error {
			return status.Shutdown(context.Background())
		})

	err := manager.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"dispatcher", "database"}, drained)
}

// TestScenario_SignalTriggeredShutdownUnwindsCleanup exercises the same
// code path os/signal.NotifyContext drives in production: cancelling the
// context a server is blocked on must still run the LIFO cleanup stack.
func TestScenario_SignalTriggeredShutdownUnwindsCleanup(t *testing.T) {
	log, _ := test.NewNullLogger()
	manager := NewManager(log)

	var cleanedUp bool
	manager.AddServer("health-monitor", &fakeServer{runDelay: 500 * time.Millisecond}).
		AddCleanup("drain-components", func() error {
			cleanedUp = true
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, manager.Run(ctx))
	assert.True(t, cleanedUp)
}
