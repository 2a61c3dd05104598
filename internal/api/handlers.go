// Package api implements Calcifer's REST surface (§6): intent submission,
// twin reads, and override management, plus the liveness/readiness/shutdown
// endpoints every cmd/* binary exposes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/overrideresolver"
	"github.com/flightctl/calcifer/internal/reconcile"
	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
)

// TwinReadWriter is the narrow TwinStore surface the API depends on.
type TwinReadWriter interface {
	GetSnapshot(ctx context.Context, id twin.DeviceId) (twin.DeviceTwinSnapshot, error)
	SetIntent(ctx context.Context, intent twin.UserIntent) error
}

// OverrideReadWriter is the narrow OverrideStore surface the API depends
// on.
type OverrideReadWriter interface {
	Put(ctx context.Context, o twin.Override) error
	Delete(ctx context.Context, targetId string, category twin.OverrideCategory) error
	ListForTarget(ctx context.Context, targetId string) ([]twin.Override, error)
}

// Reconciler is the narrow ReconciliationCoordinator surface the intent
// handler depends on.
type Reconciler interface {
	Reconcile(ctx context.Context, deviceId twin.DeviceId) (reconcile.Outcome, error)
}

// AuditSink is the narrow AuditStore surface the override handlers depend
// on for best-effort audit writes.
type AuditSink interface {
	Write(ctx context.Context, entry twin.AuditEntry)
}

// Handlers bundles every dependency the REST endpoints need. It holds no
// mutable state of its own.
type Handlers struct {
	log         logrus.FieldLogger
	twins       TwinReadWriter
	overrides   OverrideReadWriter
	resolver    *overrideresolver.Resolver
	reconciler  Reconciler
	audit       AuditSink
	bus         events.Bus
}

// NewHandlers constructs a Handlers.
func NewHandlers(
	log logrus.FieldLogger,
	twins TwinReadWriter,
	overrides OverrideReadWriter,
	resolver *overrideresolver.Resolver,
	reconciler Reconciler,
	audit AuditSink,
	bus events.Bus,
) *Handlers {
	return &Handlers{
		log:        log,
		twins:      twins,
		overrides:  overrides,
		resolver:   resolver,
		reconciler: reconciler,
		audit:      audit,
		bus:        bus,
	}
}

func deviceIdFromRequest(r *http.Request) (twin.DeviceId, error) {
	return twin.NewDeviceId(chi.URLParam(r, "controllerId"), chi.URLParam(r, "componentId"))
}

func decodeValue(t twin.DeviceType, raw json.RawMessage) (twin.DeviceValue, error) {
	switch t {
	case twin.DeviceTypeRelay:
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			return nil, errors.Join(twinerrors.ErrValidation, err)
		}
		return twin.NewRelayValue(on), nil
	case twin.DeviceTypeFan:
		var speed int
		if err := json.Unmarshal(raw, &speed); err != nil {
			return nil, errors.Join(twinerrors.ErrValidation, err)
		}
		return twin.NewFanValue(speed)
	case twin.DeviceTypeTemperature:
		var celsius float64
		if err := json.Unmarshal(raw, &celsius); err != nil {
			return nil, errors.Join(twinerrors.ErrValidation, err)
		}
		return twin.NewTemperatureValue(celsius), nil
	default:
		return nil, errors.Join(twinerrors.ErrValidation, errors.New("unknown device type"))
	}
}

// intentRequest is the POST .../intent request body.
type intentRequest struct {
	Type  twin.DeviceType `json:"type"`
	Value json.RawMessage `json:"value"`
}

// PostIntent handles POST /devices/{controllerId}/{componentId}/intent.
func (h *Handlers) PostIntent(w http.ResponseWriter, r *http.Request) {
	deviceId, err := deviceIdFromRequest(r)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}

	var body intentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}
	if !body.Type.IsValid() {
		WriteJSONError(w, http.StatusBadRequest, "Validation", errors.New("unknown device type"))
		return
	}
	if body.Type.Capability() != twin.CapabilityOutput {
		WriteJSONError(w, http.StatusBadRequest, "Validation", errors.New("intent may only target an OUTPUT device type"))
		return
	}
	value, err := decodeValue(body.Type, body.Value)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}

	intent := twin.UserIntent{
		DeviceId:  deviceId,
		Type:      body.Type,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.twins.SetIntent(r.Context(), intent); err != nil {
		writeDomainError(w, err)
		return
	}

	if h.bus != nil {
		h.bus.Publish(r.Context(), events.Event{
			Kind:       events.KindIntentChanged,
			DeviceID:   deviceId.Canonical(),
			Scope:      events.ScopeDevice,
			OccurredAt: intent.CreatedAt,
		})
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), deviceId)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForOutcome(outcome))
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}

// GetTwin handles GET /devices/{controllerId}/{componentId}/twin.
func (h *Handlers) GetTwin(w http.ResponseWriter, r *http.Request) {
	deviceId, err := deviceIdFromRequest(r)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}

	snapshot, err := h.twins.GetSnapshot(r.Context(), deviceId)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if snapshot.IsEmpty() {
		WriteJSONError(w, http.StatusNotFound, "NotFound", errors.New("no twin state recorded for device"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

// overrideRequest is the PUT .../override/{category} request body.
type overrideRequest struct {
	Value      json.RawMessage `json:"value"`
	Reason     string          `json:"reason"`
	TtlSeconds *int            `json:"ttlSeconds,omitempty"`
	CreatedBy  string          `json:"createdBy,omitempty"`
}

// PutOverride handles PUT /devices/{controllerId}/{componentId}/override/{category}.
func (h *Handlers) PutOverride(w http.ResponseWriter, r *http.Request) {
	deviceId, err := deviceIdFromRequest(r)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}
	category := twin.OverrideCategory(chi.URLParam(r, "category"))
	if _, ok := twin.OverrideOrdinal(category); !ok {
		WriteJSONError(w, http.StatusBadRequest, "Validation", errors.New("category is not a valid override category"))
		return
	}

	var body overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}

	snapshot, err := h.twins.GetSnapshot(r.Context(), deviceId)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if snapshot.IsEmpty() {
		WriteJSONError(w, http.StatusNotFound, "NotFound", errors.New("no twin state recorded for device"))
		return
	}

	value, err := decodeValue(snapshot.Type, body.Value)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if body.TtlSeconds != nil {
		// ttlSeconds is attacker-controlled JSON input; reject a value that
		// can't safely fit the int32 seconds-count the rest of the system
		// assumes, rather than silently wrapping it into a bogus duration.
		ttlSeconds, err := safecast.ToInt32(*body.TtlSeconds)
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, "Validation", fmt.Errorf("ttlSeconds out of range: %w", err))
			return
		}
		expiresAt = lo.ToPtr(now.Add(time.Duration(ttlSeconds) * time.Second))
	}

	override := twin.Override{
		TargetId:  deviceId.Canonical(),
		Scope:     twin.ScopeDevice,
		Category:  category,
		Value:     value,
		Reason:    body.Reason,
		CreatedBy: body.CreatedBy,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	if blocked, blocker := h.isBlocked(r.Context(), deviceId, category); blocked {
		h.audit.Write(r.Context(), twin.AuditEntry{
			DeviceId:     &deviceId,
			DecisionType: twin.DecisionOverrideBlocked,
			Actor:        body.CreatedBy,
			NewValue:     value,
			Reason:       "blocked by higher-precedence override in category " + string(blocker.Category),
		})
		WriteJSONError(w, http.StatusUnprocessableEntity, "OverrideBlocked", twinerrors.ErrOverrideBlocked)
		return
	}

	if err := h.overrides.Put(r.Context(), override); err != nil {
		writeDomainError(w, err)
		return
	}

	h.audit.Write(r.Context(), twin.AuditEntry{
		DeviceId:     &deviceId,
		DecisionType: twin.DecisionOverrideApplied,
		Actor:        body.CreatedBy,
		NewValue:     value,
		Reason:       body.Reason,
	})

	if h.bus != nil {
		h.bus.Publish(r.Context(), events.Event{
			Kind:       events.KindOverrideApplied,
			DeviceID:   deviceId.Canonical(),
			Scope:      events.ScopeDevice,
			OccurredAt: now,
			Reason:     string(category),
		})
	}

	w.WriteHeader(http.StatusOK)
}

// isBlocked reports whether writing an override in category for deviceId
// would be superseded on arrival by an already-active, strictly
// higher-precedence override in a different category (§4.4). A resolver
// failure is treated as not blocked: the subsequent Put call surfaces the
// real infrastructure error to the caller.
func (h *Handlers) isBlocked(ctx context.Context, deviceId twin.DeviceId, category twin.OverrideCategory) (bool, twin.Override) {
	effective, err := h.resolver.ResolveEffective(ctx, deviceId, nil)
	if err != nil || effective == nil {
		return false, twin.Override{}
	}
	if effective.Category == category {
		return false, twin.Override{}
	}
	newOrdinal, _ := twin.OverrideOrdinal(category)
	effectiveOrdinal, _ := twin.OverrideOrdinal(effective.Category)
	return effectiveOrdinal > newOrdinal, *effective
}

// DeleteOverride handles DELETE /devices/{controllerId}/{componentId}/override/{category}.
func (h *Handlers) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	deviceId, err := deviceIdFromRequest(r)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}
	category := twin.OverrideCategory(chi.URLParam(r, "category"))

	if err := h.overrides.Delete(r.Context(), deviceId.Canonical(), category); err != nil {
		writeDomainError(w, err)
		return
	}

	h.audit.Write(r.Context(), twin.AuditEntry{
		DeviceId:     &deviceId,
		DecisionType: twin.DecisionOverrideExpired,
		Actor:        "api",
		Reason:       "cancelled via DELETE override endpoint",
	})

	if h.bus != nil {
		h.bus.Publish(r.Context(), events.Event{
			Kind:       events.KindOverrideExpired,
			DeviceID:   deviceId.Canonical(),
			Scope:      events.ScopeDevice,
			OccurredAt: time.Now().UTC(),
			Reason:     string(category),
		})
	}

	w.WriteHeader(http.StatusOK)
}

// ListOverrides handles GET /devices/{controllerId}/{componentId}/overrides.
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	deviceId, err := deviceIdFromRequest(r)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
		return
	}

	overrides, err := h.overrides.ListForTarget(r.Context(), deviceId.Canonical())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(overrides)
}
