// Package overrideresolver implements resolveEffective (§4.4): picking the
// single highest-precedence, non-expired override that should replace a
// device's Intent.
package overrideresolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/flightctl/calcifer/internal/twin"
)

// OverrideLister is the read side of internal/store.OverrideStore this
// package depends on, kept narrow so it can be faked in tests.
type OverrideLister interface {
	ListForTarget(ctx context.Context, targetId string) ([]twin.Override, error)
}

// Resolver implements resolveEffective.
type Resolver struct {
	store OverrideLister
	now   func() time.Time
}

// NewResolver constructs a Resolver. now defaults to time.Now when nil,
// overridable for deterministic tests.
func NewResolver(store OverrideLister, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// ResolveEffective returns the single override that should replace Intent
// for deviceId, optionally also considering systemId-scoped overrides, or
// (nil, nil) if none apply (§4.4 steps 1-5).
func (r *Resolver) ResolveEffective(ctx context.Context, deviceId twin.DeviceId, systemId *string) (*twin.Override, error) {
	deviceOverrides, err := r.store.ListForTarget(ctx, deviceId.Canonical())
	if err != nil {
		return nil, fmt.Errorf("listing device-scope overrides: %w", err)
	}

	candidates := make([]twin.Override, 0, len(deviceOverrides))
	candidates = append(candidates, deviceOverrides...)

	if systemId != nil {
		systemOverrides, err := r.store.ListForTarget(ctx, *systemId)
		if err != nil {
			return nil, fmt.Errorf("listing system-scope overrides: %w", err)
		}
		candidates = append(candidates, systemOverrides...)
	}

	now := r.now()
	active := lo.Filter(candidates, func(o twin.Override, _ int) bool {
		return !o.IsExpired(now)
	})
	if len(active) == 0 {
		return nil, nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		oi, iok := twin.OverrideOrdinal(active[i].Category)
		oj, jok := twin.OverrideOrdinal(active[j].Category)
		if !iok || !jok {
			return false
		}
		if oi != oj {
			return oi > oj // category descending: EMERGENCY highest
		}
		if active[i].Scope != active[j].Scope {
			return active[i].Scope == twin.ScopeDevice // DEVICE before SYSTEM
		}
		return active[i].CreatedAt.After(active[j].CreatedAt) // createdAt descending
	})

	winner := active[0]
	return &winner, nil
}
