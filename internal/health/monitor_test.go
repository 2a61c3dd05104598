package health

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightctl/calcifer/internal/events"
)

func silentLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestMonitor_StartsHealthy(t *testing.T) {
	m := NewMonitor(silentLogger(), nil, time.Minute, map[Component]Checker{
		ComponentStoragePrimary: func(context.Context) error { return nil },
	})
	assert.True(t, m.IsHealthy())
	require.NoError(t, m.CheckHealth(context.Background()))
}

func TestMonitor_CheckAll_TransitionsUnhealthyAndPublishes(t *testing.T) {
	bus := events.NewInProcessBus(silentLogger())
	var published []events.Event
	bus.Subscribe(events.KindInfrastructureFailure, func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	})

	failing := errors.New("connection refused")
	m := NewMonitor(silentLogger(), bus, time.Minute, map[Component]Checker{
		ComponentStorageCache: func(context.Context) error { return failing },
	})

	m.checkAll(context.Background())

	assert.False(t, m.IsHealthy())
	require.Len(t, published, 1)
	assert.Equal(t, string(ComponentStorageCache), published[0].Reason)
	assert.Error(t, m.CheckHealth(context.Background()))
}

func TestMonitor_RecoversAndPublishesRecovery(t *testing.T) {
	bus := events.NewInProcessBus(silentLogger())
	var recovered []events.Event
	bus.Subscribe(events.KindInfrastructureRecovery, func(_ context.Context, e events.Event) error {
		recovered = append(recovered, e)
		return nil
	})

	healthy := true
	m := NewMonitor(silentLogger(), bus, time.Minute, map[Component]Checker{
		ComponentMessagingBus: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		},
	})

	healthy = false
	m.checkAll(context.Background())
	assert.False(t, m.IsHealthy())

	healthy = true
	m.checkAll(context.Background())
	assert.True(t, m.IsHealthy())
	require.Len(t, recovered, 1)
}

func TestMonitor_NoTransition_NoPublish(t *testing.T) {
	bus := events.NewInProcessBus(silentLogger())
	calls := 0
	bus.Subscribe(events.KindInfrastructureFailure, func(_ context.Context, _ events.Event) error {
		calls++
		return nil
	})

	m := NewMonitor(silentLogger(), bus, time.Minute, map[Component]Checker{
		ComponentStoragePrimary: func(context.Context) error { return nil },
	})

	m.checkAll(context.Background())
	m.checkAll(context.Background())
	assert.Equal(t, 0, calls)
}
