// Package model defines the gorm-mapped rows backing Calcifer's durable
// Postgres tables: overrides, functional systems, and the audit log.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flightctl/calcifer/internal/twin"
)

// Resource is embedded by the override and functional-system tables and
// carries the teacher's resource-version column (see
// api.StatusResourceVersionConflict), kept per row here. ResourceVersion
// defaults to 1 on insert; the stores in this repository neither compare
// nor increment it on update.
type Resource struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResourceVersion int64     `gorm:"not null;default:1"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BeforeCreate assigns a UUID if the caller left ID unset.
func (r *Resource) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// OverrideRecord is the durable row for a twin.Override. (TargetId,
// Category) is unique: at most one override per target per category.
type OverrideRecord struct {
	Resource
	TargetId  string `gorm:"index:idx_override_target_category,unique"`
	Scope     string
	Category  string `gorm:"index:idx_override_target_category,unique"`
	ValueType string
	ValueRaw  string
	Reason    string
	CreatedBy string
	ExpiresAt *time.Time
}

func (OverrideRecord) TableName() string { return "overrides" }

// FunctionalSystemRecord is the durable row for a twin.FunctionalSystem.
type FunctionalSystemRecord struct {
	Resource
	SystemId         string `gorm:"column:system_id;uniqueIndex"`
	Type             string
	Name             string
	ConfigurationRaw string // JSON-encoded map[string]string
	DeviceIdsRaw     string // JSON-encoded []twin.DeviceId
	FailSafeRaw      string // JSON-encoded map[string]string of type:value
	CreatedBy        string
}

func (FunctionalSystemRecord) TableName() string { return "functional_systems" }

// AuditEntryRecord is the durable, append-only row for a twin.AuditEntry.
// Rows are never updated or deleted by application code.
type AuditEntryRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationId string    `gorm:"index"`
	Timestamp     time.Time `gorm:"index"`
	DeviceId      string    `gorm:"index"`
	SystemId      string
	DecisionType  string `gorm:"index"`
	Actor         string
	PreviousValue string
	NewValue      string
	Reason        string
	ContextRaw    string // JSON-encoded map[string]string
}

func (AuditEntryRecord) TableName() string { return "audit_entries" }

func (a *AuditEntryRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// DecisionTypeValue returns the record's decision type as a twin.DecisionType.
func (a AuditEntryRecord) DecisionTypeValue() twin.DecisionType {
	return twin.DecisionType(a.DecisionType)
}
