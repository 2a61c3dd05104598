package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
	"github.com/flightctl/calcifer/pkg/poll"
)

const (
	twinKeyPrefix     = "calcifer:twin:"
	activeOutputIndex = "calcifer:twin:active-outputs"
	staleScanBatch    = 200
)

// TwinStore is the Redis-backed hot store for the three per-device states.
// Desired is the only slot mutated under compare-and-swap: Intent and
// Reported are simple last-writer-wins HSETs because nothing downstream
// depends on a consistent read-then-write of them, while Desired is
// recomputed from a read of all three, so two concurrent recomputations
// racing on the same device must not silently clobber one another.
type TwinStore struct {
	client     *redis.Client
	log        logrus.FieldLogger
	maxRetries int
}

// NewTwinStore constructs a TwinStore. maxRetries is cas.maxRetries (§6).
func NewTwinStore(client *redis.Client, log logrus.FieldLogger, maxRetries int) *TwinStore {
	return &TwinStore{client: client, log: log, maxRetries: maxRetries}
}

func (s *TwinStore) key(id twin.DeviceId) string {
	return twinKeyPrefix + id.Canonical()
}

// GetSnapshot reads the current composite twin state for id.
func (s *TwinStore) GetSnapshot(ctx context.Context, id twin.DeviceId) (twin.DeviceTwinSnapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return twin.DeviceTwinSnapshot{}, fmt.Errorf("%w: reading twin hash: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	return decodeSnapshot(id, fields)
}

// SetIntent records a new UserIntent, replacing any previous one wholesale.
func (s *TwinStore) SetIntent(ctx context.Context, intent twin.UserIntent) error {
	key := s.key(intent.DeviceId)
	err := s.client.HSet(ctx, key, map[string]any{
		"type":            string(intent.Type),
		"intent_type":     string(intent.Value.Type()),
		"intent_value":    intent.Value.Encode(),
		"intent_created":  intent.CreatedAt.Format(time.RFC3339Nano),
		"last_activity":   time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: writing intent: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	return nil
}

// SetReported records a device's latest reported value.
func (s *TwinStore) SetReported(ctx context.Context, reported twin.ReportedDeviceState) error {
	key := s.key(reported.DeviceId)
	fields := map[string]any{
		"type":           string(reported.Type),
		"reported_known": strconv.FormatBool(reported.IsKnown),
		"reported_at":    reported.ReportedAt.Format(time.RFC3339Nano),
		"last_activity":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reported.IsKnown {
		fields["reported_type"] = string(reported.Value.Type())
		fields["reported_value"] = reported.Value.Encode()
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("%w: writing reported state: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	return nil
}

// SaveDesired recomputes and stores the Desired state for id under
// optimistic concurrency: compute receives a fresh snapshot and must be
// pure (it may be invoked more than once on conflict). The write is
// guarded by a Redis WATCH transaction on the device's hash key, retried
// with exponential backoff up to the store's configured maxRetries.
func (s *TwinStore) SaveDesired(ctx context.Context, id twin.DeviceId, compute func(twin.DeviceTwinSnapshot) (twin.DeviceValue, error)) (twin.DesiredDeviceState, error) {
	key := s.key(id)
	var result twin.DesiredDeviceState

	cfg := poll.Config{
		BaseDelay:    10 * time.Millisecond,
		Factor:       2,
		MaxDelay:     200 * time.Millisecond,
		MaxSteps:     s.maxRetries,
		JitterFactor: 0.1,
	}

	err := poll.BackoffWithContext(ctx, cfg, func(ctx context.Context) (bool, error) {
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			snapshot, err := decodeSnapshot(id, fields)
			if err != nil {
				return err
			}

			newValue, err := compute(snapshot)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, map[string]any{
					"type":           string(newValue.Type()),
					"desired_type":   string(newValue.Type()),
					"desired_value":  newValue.Encode(),
					"desired_update": now.Format(time.RFC3339Nano),
					"last_activity":  now.Format(time.RFC3339Nano),
				})
				// Index invariant: the active-OUTPUT index holds exactly the
				// devices with a Desired slot whose type is OUTPUT-capable.
				if newValue.Type().Capability() == twin.CapabilityOutput {
					pipe.SAdd(ctx, activeOutputIndex, id.Canonical())
				} else {
					pipe.SRem(ctx, activeOutputIndex, id.Canonical())
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = twin.DesiredDeviceState{DeviceId: id, Type: newValue.Type(), Value: newValue, UpdatedAt: now}
			return nil
		}, key)

		if errors.Is(txErr, redis.TxFailedErr) {
			return false, nil
		}
		if txErr != nil {
			return false, fmt.Errorf("%w: %v", twinerrors.ErrInfrastructureUnavailable, txErr)
		}
		return true, nil
	})

	if errors.Is(err, poll.ErrMaxSteps) {
		return twin.DesiredDeviceState{}, twinerrors.ErrConflictExhausted
	}
	if err != nil {
		return twin.DesiredDeviceState{}, err
	}
	return result, nil
}

func decodeSnapshot(id twin.DeviceId, fields map[string]string) (twin.DeviceTwinSnapshot, error) {
	if len(fields) == 0 {
		return twin.DeviceTwinSnapshot{DeviceId: id}, nil
	}

	deviceType := twin.DeviceType(fields["type"])
	snapshot := twin.DeviceTwinSnapshot{DeviceId: id, Type: deviceType}

	if rawValue, ok := fields["intent_value"]; ok {
		intentType := twin.DeviceType(fields["intent_type"])
		value, err := decodeValue(intentType, rawValue)
		if err != nil {
			return twin.DeviceTwinSnapshot{}, fmt.Errorf("decoding intent: %w", err)
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, fields["intent_created"])
		snapshot.Intent = &twin.UserIntent{DeviceId: id, Type: intentType, Value: value, CreatedAt: createdAt}
	}

	if raw, ok := fields["reported_known"]; ok {
		known, _ := strconv.ParseBool(raw)
		reportedAt, _ := time.Parse(time.RFC3339Nano, fields["reported_at"])
		reported := twin.ReportedDeviceState{DeviceId: id, Type: deviceType, ReportedAt: reportedAt, IsKnown: known}
		if known {
			reportedType := twin.DeviceType(fields["reported_type"])
			value, err := decodeValue(reportedType, fields["reported_value"])
			if err != nil {
				return twin.DeviceTwinSnapshot{}, fmt.Errorf("decoding reported: %w", err)
			}
			reported.Type = reportedType
			reported.Value = value
		}
		snapshot.Reported = &reported
	}

	if rawValue, ok := fields["desired_value"]; ok {
		desiredType := twin.DeviceType(fields["desired_type"])
		value, err := decodeValue(desiredType, rawValue)
		if err != nil {
			return twin.DeviceTwinSnapshot{}, fmt.Errorf("decoding desired: %w", err)
		}
		updatedAt, _ := time.Parse(time.RFC3339Nano, fields["desired_update"])
		snapshot.Desired = &twin.DesiredDeviceState{DeviceId: id, Type: desiredType, Value: value, UpdatedAt: updatedAt}
	}

	return snapshot, nil
}

// LoadSnapshots reads the composite twin state of every device in
// deviceIds, satisfying internal/calculator.RelatedStateLoader so the
// safety engine can see sibling device state within a functional system.
// A device with no recorded state is simply omitted from the result.
func (s *TwinStore) LoadSnapshots(ctx context.Context, deviceIds []twin.DeviceId) (map[twin.DeviceId]twin.DeviceTwinSnapshot, error) {
	out := make(map[twin.DeviceId]twin.DeviceTwinSnapshot, len(deviceIds))
	for _, id := range deviceIds {
		snapshot, err := s.GetSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading related snapshot for %s: %w", id.Canonical(), err)
		}
		if !snapshot.IsEmpty() {
			out[id] = snapshot
		}
	}
	return out, nil
}

// FindStaleDevices scans the twin key space for devices whose last_activity
// is older than staleSince, returning their DeviceIds. Used by
// internal/housekeeping's staleness check.
func (s *TwinStore) FindStaleDevices(ctx context.Context, staleSince time.Time) ([]twin.DeviceId, error) {
	var stale []twin.DeviceId
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, twinKeyPrefix+"*", staleScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scanning twin keys: %v", twinerrors.ErrInfrastructureUnavailable, err)
		}
		for _, key := range keys {
			raw, err := s.client.HGet(ctx, key, "last_activity").Result()
			if err != nil {
				continue
			}
			lastActivity, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil || lastActivity.Before(staleSince) {
				canonical := key[len(twinKeyPrefix):]
				id, err := twin.ParseDeviceId(canonical)
				if err == nil {
					stale = append(stale, id)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stale, nil
}

// FindAllActiveOutputs returns the Desired state of every device currently
// held in the active-OUTPUT index, i.e. every device with an OUTPUT-capable
// Desired value. It reads the index instead of scanning the whole twin key
// space. ReconciliationCoordinator does not call it; there is no periodic
// full sweep.
func (s *TwinStore) FindAllActiveOutputs(ctx context.Context) ([]twin.DesiredDeviceState, error) {
	members, err := s.client.SMembers(ctx, activeOutputIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reading active-output index: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}

	out := make([]twin.DesiredDeviceState, 0, len(members))
	for _, canonical := range members {
		id, err := twin.ParseDeviceId(canonical)
		if err != nil {
			continue
		}
		fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: reading twin hash for %s: %v", twinerrors.ErrInfrastructureUnavailable, canonical, err)
		}
		snapshot, err := decodeSnapshot(id, fields)
		if err != nil {
			return nil, fmt.Errorf("decoding desired state for %s: %w", canonical, err)
		}
		if snapshot.Desired != nil {
			out = append(out, *snapshot.Desired)
		}
	}
	return out, nil
}

// DeleteDevice removes every slot for id and its active-OUTPUT index entry
// (if present). It is the only operation that removes twin state outright;
// everything else is create-or-overwrite.
func (s *TwinStore) DeleteDevice(ctx context.Context, id twin.DeviceId) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.SRem(ctx, activeOutputIndex, id.Canonical())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: deleting device %s: %v", twinerrors.ErrInfrastructureUnavailable, id.Canonical(), err)
	}
	return nil
}

// OrphanSweep removes active-OUTPUT index entries whose primary twin key no
// longer exists, implementing the daily orphan sweep the Index invariants
// paragraph describes. It returns the number of stale entries removed.
func (s *TwinStore) OrphanSweep(ctx context.Context) (removed int, err error) {
	members, err := s.client.SMembers(ctx, activeOutputIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: reading active-output index: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}

	for _, canonical := range members {
		id, parseErr := twin.ParseDeviceId(canonical)
		if parseErr != nil {
			// Can't even parse the index entry back into a key: it can
			// never resolve to a primary record, so it is itself an orphan.
			if remErr := s.client.SRem(ctx, activeOutputIndex, canonical).Err(); remErr == nil {
				removed++
			}
			continue
		}
		exists, existsErr := s.client.Exists(ctx, s.key(id)).Result()
		if existsErr != nil {
			return removed, fmt.Errorf("%w: checking primary key for %s: %v", twinerrors.ErrInfrastructureUnavailable, canonical, existsErr)
		}
		if exists == 0 {
			if remErr := s.client.SRem(ctx, activeOutputIndex, canonical).Err(); remErr != nil {
				return removed, fmt.Errorf("%w: removing orphaned index entry %s: %v", twinerrors.ErrInfrastructureUnavailable, canonical, remErr)
			}
			removed++
		}
	}
	return removed, nil
}
