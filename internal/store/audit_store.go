package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/flightctl/calcifer/internal/store/model"
	"github.com/flightctl/calcifer/internal/twin"
)

// AuditStore is the append-only sink for twin.AuditEntry. Writes are
// best-effort: Write logs and swallows its own errors rather than
// propagating them, because a decision that has already taken effect (a
// command dispatched, an override applied) must never be undone or blocked
// by an audit-log outage.
type AuditStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

func NewAuditStore(db *gorm.DB, log logrus.FieldLogger) *AuditStore {
	return &AuditStore{db: db, log: log}
}

// Write persists entry, logging (not returning) any failure.
func (s *AuditStore) Write(ctx context.Context, entry twin.AuditEntry) {
	record, err := toAuditRecord(entry)
	if err != nil {
		s.log.WithError(err).WithField("correlation_id", entry.CorrelationId).Warn("failed to encode audit entry")
		return
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.WithError(err).WithField("correlation_id", entry.CorrelationId).Warn("failed to persist audit entry")
	}
}

func toAuditRecord(entry twin.AuditEntry) (model.AuditEntryRecord, error) {
	contextRaw, err := json.Marshal(entry.Context)
	if err != nil {
		return model.AuditEntryRecord{}, fmt.Errorf("encoding audit context: %w", err)
	}

	var deviceId, systemId string
	if entry.DeviceId != nil {
		deviceId = entry.DeviceId.Canonical()
	}
	if entry.SystemId != nil {
		systemId = *entry.SystemId
	}
	var previous, next string
	if entry.PreviousValue != nil {
		previous = string(entry.PreviousValue.Type()) + ":" + entry.PreviousValue.Encode()
	}
	if entry.NewValue != nil {
		next = string(entry.NewValue.Type()) + ":" + entry.NewValue.Encode()
	}

	return model.AuditEntryRecord{
		CorrelationId: entry.CorrelationId,
		Timestamp:     entry.Timestamp,
		DeviceId:      deviceId,
		SystemId:      systemId,
		DecisionType:  string(entry.DecisionType),
		Actor:         entry.Actor,
		PreviousValue: previous,
		NewValue:      next,
		Reason:        entry.Reason,
		ContextRaw:    string(contextRaw),
	}, nil
}

// ListForDevice returns the most recent audit entries for a device,
// newest first, capped at limit.
func (s *AuditStore) ListForDevice(ctx context.Context, deviceId twin.DeviceId, limit int) ([]twin.AuditEntry, error) {
	var records []model.AuditEntryRecord
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceId.Canonical()).
		Order("timestamp DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}

	entries := make([]twin.AuditEntry, 0, len(records))
	for _, r := range records {
		var ctxMap map[string]string
		_ = json.Unmarshal([]byte(r.ContextRaw), &ctxMap)
		entries = append(entries, twin.AuditEntry{
			Id:            r.ID.String(),
			CorrelationId: r.CorrelationId,
			Timestamp:     r.Timestamp,
			DecisionType:  twin.DecisionType(r.DecisionType),
			Actor:         r.Actor,
			Reason:        r.Reason,
			Context:       ctxMap,
		})
	}
	return entries, nil
}
