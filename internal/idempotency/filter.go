// Package idempotency implements IdempotencyFilter (§4.11): short-TTL dedup
// of inbound feedback messages, so a redelivered or retried broker message
// does not replay a stale reported-state write.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
)

const keyPrefix = "calcifer:idempotency:"

// Filter deduplicates inbound feedback using a Redis SET-NX-EX: the first
// caller to claim a key wins, every later caller within the TTL window is
// told to drop the message.
type Filter struct {
	cache *redis.Client
	ttl   time.Duration
}

// New constructs a Filter. ttl is config.Config.IdempotencyTTL(), default
// 5 minutes.
func New(cache *redis.Client, ttl time.Duration) *Filter {
	return &Filter{cache: cache, ttl: ttl}
}

// Accept reports whether the feedback message identified by key should be
// processed. messageId, when the broker supplies one, is used directly;
// callers without one should pass Key(deviceId, reportedAt, rawValue)
// instead. Only OUTPUT devices call this — sensor time-series passes
// through unfiltered (§4.11), so deviceType is the caller's responsibility
// to check before calling Accept.
func (f *Filter) Accept(ctx context.Context, key string) (bool, error) {
	ok, err := f.cache.SetNX(ctx, keyPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: checking idempotency key: %v", twinerrors.ErrInfrastructureUnavailable, err)
	}
	return ok, nil
}

// Key derives a dedup key from message content when the broker does not
// supply a message id: hash(deviceId ∥ timestamp ∥ rawValue).
func Key(deviceId twin.DeviceId, reportedAt time.Time, rawValue string) string {
	h := sha256.New()
	h.Write([]byte(deviceId.Canonical()))
	h.Write([]byte{0})
	h.Write([]byte(reportedAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(rawValue))
	return hex.EncodeToString(h.Sum(nil))
}

// ShouldFilter reports whether messages for deviceType pass through
// IdempotencyFilter at all. Only OUTPUT devices are deduplicated; INPUT
// (sensor) time-series is accepted unconditionally.
func ShouldFilter(deviceType twin.DeviceType) bool {
	return deviceType.Capability() == twin.CapabilityOutput
}
