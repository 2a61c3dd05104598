package sweeper

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
	"github.com/flightctl/calcifer/internal/store"
	"github.com/flightctl/calcifer/internal/twin"
)

func silentLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeOverrides struct {
	popped  []store.ExpiredKey
	cached  map[string]twin.Override
	deleted []store.ExpiredKey
	delErr  error
}

func cacheKey(targetId string, category twin.OverrideCategory) string {
	return targetId + "|" + string(category)
}

func (f *fakeOverrides) PopExpired(time.Time) []store.ExpiredKey {
	popped := f.popped
	f.popped = nil
	return popped
}

func (f *fakeOverrides) GetCached(_ context.Context, targetId string, category twin.OverrideCategory) (twin.Override, bool, error) {
	o, ok := f.cached[cacheKey(targetId, category)]
	return o, ok, nil
}

func (f *fakeOverrides) Delete(_ context.Context, targetId string, category twin.OverrideCategory) error {
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, store.ExpiredKey{TargetId: targetId, Category: category})
	return nil
}

func TestSweeper_RunOnce_DeletesAndPublishesDeviceScoped(t *testing.T) {
	overrides := &fakeOverrides{
		popped: []store.ExpiredKey{{TargetId: "ctrl1:fan1", Category: twin.CategoryManual}},
		cached: map[string]twin.Override{
			cacheKey("ctrl1:fan1", twin.CategoryManual): {TargetId: "ctrl1:fan1", Scope: twin.ScopeDevice, Category: twin.CategoryManual},
		},
	}
	bus := events.NewInProcessBus(silentLogger())
	var published []events.Event
	bus.Subscribe(events.KindOverrideExpired, func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	})

	s := New(silentLogger(), overrides, nil, bus, nil)
	s.RunOnce(context.Background())

	require.Len(t, overrides.deleted, 1)
	require.Len(t, published, 1)
	assert.Equal(t, events.ScopeDevice, published[0].Scope)
	assert.Equal(t, "ctrl1:fan1", published[0].DeviceID)
}

func TestSweeper_RunOnce_SystemScoped_PublishesSystemScope(t *testing.T) {
	overrides := &fakeOverrides{
		popped: []store.ExpiredKey{{TargetId: "sys1", Category: twin.CategoryMaintenance}},
		cached: map[string]twin.Override{
			cacheKey("sys1", twin.CategoryMaintenance): {TargetId: "sys1", Scope: twin.ScopeSystem, Category: twin.CategoryMaintenance},
		},
	}
	bus := events.NewInProcessBus(silentLogger())
	var published []events.Event
	bus.Subscribe(events.KindOverrideExpired, func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	})

	s := New(silentLogger(), overrides, nil, bus, nil)
	s.RunOnce(context.Background())

	require.Len(t, published, 1)
	assert.Equal(t, events.ScopeSystem, published[0].Scope)
	assert.Equal(t, "sys1", published[0].SystemID)
}

func TestSweeper_RunOnce_DeleteFailureDoesNotAbortCycle(t *testing.T) {
	overrides := &fakeOverrides{
		popped: []store.ExpiredKey{
			{TargetId: "ctrl1:fan1", Category: twin.CategoryManual},
			{TargetId: "ctrl1:relay1", Category: twin.CategoryManual},
		},
		delErr: errors.New("db unavailable"),
	}
	s := New(silentLogger(), overrides, nil, nil, nil)

	assert.NotPanics(t, func() { s.RunOnce(context.Background()) })
	assert.Empty(t, overrides.deleted)
}

func TestSweeper_RunOnce_NoExpiredOverrides_NoOp(t *testing.T) {
	overrides := &fakeOverrides{}
	s := New(silentLogger(), overrides, nil, nil, nil)
	s.RunOnce(context.Background())
	assert.Empty(t, overrides.deleted)
}
