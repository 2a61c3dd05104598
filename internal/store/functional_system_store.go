package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"gorm.io/gorm"

	"github.com/flightctl/calcifer/internal/store/model"
	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
)

// systemCacheTTL bounds how long a FunctionalSystem definition read by Get
// is served from the in-process cache before falling back to Postgres.
// Functional systems change only through operator configuration, not the
// hot reconcile path, so a short TTL trades a little staleness for
// avoiding a database round trip on every SystemMembers.Get call LogicService
// makes while fanning an event out to a system's member devices.
const systemCacheTTL = 30 * time.Second

// FunctionalSystemStore persists FunctionalSystem definitions. Get is
// fronted by an in-process TTL cache (jellydator/ttlcache) keyed by system
// id; Put invalidates the cached entry so a configuration change is visible
// on the next read rather than waiting out the TTL.
type FunctionalSystemStore struct {
	db    *gorm.DB
	cache *ttlcache.Cache[string, twin.FunctionalSystem]
}

func NewFunctionalSystemStore(db *gorm.DB) *FunctionalSystemStore {
	cache := ttlcache.New[string, twin.FunctionalSystem](
		ttlcache.WithTTL[string, twin.FunctionalSystem](systemCacheTTL),
	)
	go cache.Start()
	return &FunctionalSystemStore{db: db, cache: cache}
}

// Close stops the cache's background eviction goroutine. Callers that hold
// a FunctionalSystemStore for a process's lifetime need not call this.
func (s *FunctionalSystemStore) Close() {
	s.cache.Stop()
}

// Put creates or updates a FunctionalSystem. ResourceVersion is 1 on
// creation; an update does not increment it.
func (s *FunctionalSystemStore) Put(ctx context.Context, fs twin.FunctionalSystem) error {
	deviceIds, err := json.Marshal(fs.DeviceIds)
	if err != nil {
		return fmt.Errorf("encoding device ids: %w", err)
	}
	configuration, err := json.Marshal(fs.Configuration)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	failSafe := make(map[string]string, len(fs.FailSafeDefaults))
	for k, v := range fs.FailSafeDefaults {
		failSafe[k] = string(v.Type()) + ":" + v.Encode()
	}
	failSafeRaw, err := json.Marshal(failSafe)
	if err != nil {
		return fmt.Errorf("encoding fail-safe defaults: %w", err)
	}

	record := model.FunctionalSystemRecord{
		SystemId:         fs.Id,
		Type:             fs.Type,
		Name:             fs.Name,
		ConfigurationRaw: string(configuration),
		DeviceIdsRaw:     string(deviceIds),
		FailSafeRaw:      string(failSafeRaw),
		CreatedBy:        fs.CreatedBy,
	}

	err = s.db.WithContext(ctx).
		Where(model.FunctionalSystemRecord{SystemId: fs.Id}).
		Assign(record).
		FirstOrCreate(&record).Error
	if err != nil {
		return fmt.Errorf("%w: persisting functional system: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	s.cache.Delete(fs.Id)
	return nil
}

// Get loads a FunctionalSystem by id, serving a cached copy when one is
// still within systemCacheTTL.
func (s *FunctionalSystemStore) Get(ctx context.Context, id string) (twin.FunctionalSystem, error) {
	if item := s.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	var record model.FunctionalSystemRecord
	if err := s.db.WithContext(ctx).Where("system_id = ?", id).First(&record).Error; err != nil {
		return twin.FunctionalSystem{}, fmt.Errorf("%w: loading functional system %s: %v", twinerrors.ErrInfrastructureUnavailable, id, err)
	}
	fs, err := decodeFunctionalSystem(record)
	if err != nil {
		return twin.FunctionalSystem{}, err
	}
	s.cache.Set(id, fs, ttlcache.DefaultTTL)
	return fs, nil
}

// FindOwning returns the FunctionalSystem that lists
// deviceId as a member, if any.
func (s *FunctionalSystemStore) FindOwning(ctx context.Context, deviceId twin.DeviceId) (*twin.FunctionalSystem, error) {
	var records []model.FunctionalSystemRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: scanning functional systems: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	for _, record := range records {
		fs, err := decodeFunctionalSystem(record)
		if err != nil {
			continue
		}
		if fs.HasMember(deviceId) {
			return &fs, nil
		}
	}
	return nil, nil
}

func decodeFunctionalSystem(record model.FunctionalSystemRecord) (twin.FunctionalSystem, error) {
	var deviceIds []twin.DeviceId
	if err := json.Unmarshal([]byte(record.DeviceIdsRaw), &deviceIds); err != nil {
		return twin.FunctionalSystem{}, fmt.Errorf("decoding device ids: %w", err)
	}
	var configuration map[string]string
	if err := json.Unmarshal([]byte(record.ConfigurationRaw), &configuration); err != nil {
		return twin.FunctionalSystem{}, fmt.Errorf("decoding configuration: %w", err)
	}
	var rawFailSafe map[string]string
	if err := json.Unmarshal([]byte(record.FailSafeRaw), &rawFailSafe); err != nil {
		return twin.FunctionalSystem{}, fmt.Errorf("decoding fail-safe defaults: %w", err)
	}
	failSafe := make(map[string]twin.DeviceValue, len(rawFailSafe))
	for k, encoded := range rawFailSafe {
		var deviceType string
		var raw string
		for i := 0; i < len(encoded); i++ {
			if encoded[i] == ':' {
				deviceType, raw = encoded[:i], encoded[i+1:]
				break
			}
		}
		value, err := decodeValue(twin.DeviceType(deviceType), raw)
		if err != nil {
			return twin.FunctionalSystem{}, fmt.Errorf("decoding fail-safe default %s: %w", k, err)
		}
		failSafe[k] = value
	}

	return twin.FunctionalSystem{
		Id:               record.SystemId,
		Type:             record.Type,
		Name:             record.Name,
		Configuration:    configuration,
		DeviceIds:        deviceIds,
		FailSafeDefaults: failSafe,
		Version:          record.ResourceVersion,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
		CreatedBy:        record.CreatedBy,
	}, nil
}
