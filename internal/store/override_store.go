package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/flightctl/calcifer/internal/store/model"
	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
	"github.com/flightctl/calcifer/pkg/queues"
)

const overrideCacheKeyPrefix = "calcifer:override:"

// overrideKey is the (TargetId, Category) identity of a stored override.
func overrideKey(targetId string, category twin.OverrideCategory) string {
	return targetId + "|" + string(category)
}

// OverrideStore persists Override records in Postgres (source of truth) and
// write-through caches them in Redis, where GetCached reads them back.
// ExpirationIndex is an in-memory, expiry-ordered secondary index the
// sweeper consults instead of scanning every row on every cycle.
type OverrideStore struct {
	db    *gorm.DB
	cache *redis.Client
	log   logrus.FieldLogger

	// ExpirationIndex holds "expiresAtNano|targetKey" entries, each its own
	// priority key, ordered earliest-expiry-first, so Peek always yields the
	// next override due to expire. Permanent overrides (ExpiresAt == nil)
	// are never indexed.
	ExpirationIndex *queues.IndexedPriorityQueue[string, string]

	indexMu  sync.Mutex
	indexKey map[string]string // targetKey -> current "nano|targetKey" index entry
}

// NewOverrideStore constructs an OverrideStore and rebuilds its expiration
// index from Postgres, so a restart does not lose track of pending expiries.
func NewOverrideStore(ctx context.Context, db *gorm.DB, cache *redis.Client, log logrus.FieldLogger) (*OverrideStore, error) {
	s := &OverrideStore{
		db:    db,
		cache: cache,
		log:   log,
		ExpirationIndex: queues.NewIndexedPriorityQueue[string, string](
			queues.Min[string],
			func(indexKey string) string { return indexKey },
		),
		indexKey: make(map[string]string),
	}

	var records []model.OverrideRecord
	if err := db.WithContext(ctx).Where("expires_at IS NOT NULL").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: loading overrides for expiration index: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	for _, r := range records {
		s.indexExpiry(overrideKey(r.TargetId, twin.OverrideCategory(r.Category)), *r.ExpiresAt)
	}
	return s, nil
}

func (s *OverrideStore) indexExpiry(key string, expiresAt time.Time) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if prev, ok := s.indexKey[key]; ok {
		s.ExpirationIndex.Remove(prev)
	}
	entry := fmt.Sprintf("%020d|%s", expiresAt.UnixNano(), key)
	s.ExpirationIndex.Add(entry)
	s.indexKey[key] = entry
}

func (s *OverrideStore) unindex(key string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if entry, ok := s.indexKey[key]; ok {
		s.ExpirationIndex.Remove(entry)
		delete(s.indexKey, key)
	}
}

// Put writes an override through to Postgres then Redis. The durable write
// is authoritative: if it fails, the cache is left untouched.
func (s *OverrideStore) Put(ctx context.Context, o twin.Override) error {
	record := model.OverrideRecord{
		TargetId:  o.TargetId,
		Scope:     string(o.Scope),
		Category:  string(o.Category),
		ValueType: string(o.Value.Type()),
		ValueRaw:  o.Value.Encode(),
		Reason:    o.Reason,
		CreatedBy: o.CreatedBy,
		ExpiresAt: o.ExpiresAt,
	}

	err := s.db.WithContext(ctx).
		Where(model.OverrideRecord{TargetId: o.TargetId, Category: string(o.Category)}).
		Assign(record).
		FirstOrCreate(&record).Error
	if err != nil {
		return fmt.Errorf("%w: persisting override: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}

	if err := s.writeCache(ctx, o); err != nil {
		s.log.WithError(err).Warn("override persisted but cache write failed")
	}

	if o.ExpiresAt != nil {
		s.indexExpiry(overrideKey(o.TargetId, o.Category), *o.ExpiresAt)
	}
	return nil
}

func (s *OverrideStore) writeCache(ctx context.Context, o twin.Override) error {
	raw, err := json.Marshal(cachedOverride{
		TargetId: o.TargetId, Scope: o.Scope, Category: o.Category,
		ValueType: o.Value.Type(), ValueRaw: o.Value.Encode(),
		Reason: o.Reason, CreatedBy: o.CreatedBy, CreatedAt: o.CreatedAt, ExpiresAt: o.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, overrideCacheKeyPrefix+overrideKey(o.TargetId, o.Category), raw, 0).Err()
}

type cachedOverride struct {
	TargetId  string
	Scope     twin.OverrideScope
	Category  twin.OverrideCategory
	ValueType twin.DeviceType
	ValueRaw  string
	Reason    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (c cachedOverride) toOverride() (twin.Override, error) {
	value, err := decodeValue(c.ValueType, c.ValueRaw)
	if err != nil {
		return twin.Override{}, err
	}
	return twin.Override{
		TargetId: c.TargetId, Scope: c.Scope, Category: c.Category, Value: value,
		Reason: c.Reason, CreatedBy: c.CreatedBy, CreatedAt: c.CreatedAt, ExpiresAt: c.ExpiresAt,
	}, nil
}

// ListForTarget returns every non-category-duplicated override active for
// targetId, read from Postgres; the Redis cache is not consulted.
func (s *OverrideStore) ListForTarget(ctx context.Context, targetId string) ([]twin.Override, error) {
	var records []model.OverrideRecord
	if err := s.db.WithContext(ctx).Where("target_id = ?", targetId).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: listing overrides: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	now := time.Now()
	overrides := make([]twin.Override, 0, len(records))
	for _, r := range records {
		value, err := decodeValue(twin.DeviceType(r.ValueType), r.ValueRaw)
		if err != nil {
			s.log.WithError(err).WithField("target", targetId).Warn("dropping unreadable override record")
			continue
		}
		override := twin.Override{
			TargetId: r.TargetId, Scope: twin.OverrideScope(r.Scope), Category: twin.OverrideCategory(r.Category),
			Value: value, Reason: r.Reason, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
		}
		if override.IsExpired(now) {
			continue
		}
		overrides = append(overrides, override)
	}
	return overrides, nil
}

// GetCached returns the cached Override for (targetId, category), reading
// only Redis (not Postgres). Used by the sweeper, which already knows from
// ExpirationIndex that the row is due to expire and only needs the
// override's Scope to know whether the expiry covers a whole functional
// system (whose id is then the TargetId).
func (s *OverrideStore) GetCached(ctx context.Context, targetId string, category twin.OverrideCategory) (twin.Override, bool, error) {
	raw, err := s.cache.Get(ctx, overrideCacheKeyPrefix+overrideKey(targetId, category)).Result()
	if errors.Is(err, redis.Nil) {
		return twin.Override{}, false, nil
	}
	if err != nil {
		return twin.Override{}, false, fmt.Errorf("%w: reading cached override: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	var cached cachedOverride
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return twin.Override{}, false, fmt.Errorf("decoding cached override: %w", err)
	}
	override, err := cached.toOverride()
	if err != nil {
		return twin.Override{}, false, err
	}
	return override, true, nil
}

// ExpiredKey names an override the expiration index reports as due, by its
// (TargetId, Category) identity.
type ExpiredKey struct {
	TargetId string
	Category twin.OverrideCategory
}

// PopExpired drains every ExpirationIndex entry whose recorded expiry is at
// or before asOf, removing them from the index and returning their
// identities for the sweeper to delete and reconcile.
func (s *OverrideStore) PopExpired(asOf time.Time) []ExpiredKey {
	var expired []ExpiredKey
	for {
		entry, ok := s.ExpirationIndex.Peek()
		if !ok {
			break
		}
		expiresAt, key, ok := splitIndexEntry(entry)
		if !ok {
			s.ExpirationIndex.Remove(entry)
			continue
		}
		if expiresAt.After(asOf) {
			break
		}
		s.ExpirationIndex.Remove(entry)
		s.indexMu.Lock()
		delete(s.indexKey, key)
		s.indexMu.Unlock()

		targetId, category, ok := splitOverrideKey(key)
		if !ok {
			continue
		}
		expired = append(expired, ExpiredKey{TargetId: targetId, Category: category})
	}
	return expired
}

// splitIndexEntry parses an ExpirationIndex entry of the form
// "<nanos>|<targetId>|<category>" back into its expiry time and the
// (targetId|category) key indexExpiry originally indexed.
func splitIndexEntry(entry string) (time.Time, string, bool) {
	sep := -1
	for i := 0; i < len(entry); i++ {
		if entry[i] == '|' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return time.Time{}, "", false
	}
	nanos, err := strconv.ParseInt(entry[:sep], 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, nanos), entry[sep+1:], true
}

// splitOverrideKey is the inverse of overrideKey.
func splitOverrideKey(key string) (targetId string, category twin.OverrideCategory, ok bool) {
	sep := -1
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", "", false
	}
	return key[:sep], twin.OverrideCategory(key[sep+1:]), true
}

// Delete removes the override for (targetId, category) from both layers.
func (s *OverrideStore) Delete(ctx context.Context, targetId string, category twin.OverrideCategory) error {
	if err := s.db.WithContext(ctx).
		Where("target_id = ? AND category = ?", targetId, string(category)).
		Delete(&model.OverrideRecord{}).Error; err != nil {
		return fmt.Errorf("%w: deleting override: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	if err := s.cache.Del(ctx, overrideCacheKeyPrefix+overrideKey(targetId, category)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.log.WithError(err).Warn("override deleted but cache eviction failed")
	}
	s.unindex(overrideKey(targetId, category))
	return nil
}
