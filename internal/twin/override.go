package twin

import "time"

// OverrideCategory is an ordered precedence class. The override-resolution
// ordering (EMERGENCY > MAINTENANCE > SCHEDULED > MANUAL) is a strict subset
// of the wider safety-evaluation ordering (§4.3): SYSTEM_SAFETY and
// HARDCODED_SAFETY exist only for the SafetyEngine and never participate in
// override resolution.
type OverrideCategory string

const (
	CategoryManual     OverrideCategory = "MANUAL"
	CategoryScheduled  OverrideCategory = "SCHEDULED"
	CategoryMaintenance OverrideCategory = "MAINTENANCE"
	CategoryEmergency  OverrideCategory = "EMERGENCY"

	// Safety-only categories: never appear in Override records, only in
	// SafetyRule.Category.
	CategorySystemSafety    OverrideCategory = "SYSTEM_SAFETY"
	CategoryHardcodedSafety OverrideCategory = "HARDCODED_SAFETY"
	CategoryUserIntent      OverrideCategory = "USER_INTENT"
)

// overrideOrdinal ranks categories for override resolution (§4.4): higher
// value wins. Safety-only categories are intentionally absent; resolving
// their ordinal is a programming error.
var overrideOrdinal = map[OverrideCategory]int{
	CategoryManual:      0,
	CategoryScheduled:    1,
	CategoryMaintenance: 2,
	CategoryEmergency:   3,
}

// OverrideOrdinal returns the override-resolution precedence ordinal for
// category, and false if category is not a valid override category (e.g. a
// safety-only category).
func OverrideOrdinal(category OverrideCategory) (int, bool) {
	ord, ok := overrideOrdinal[category]
	return ord, ok
}

// safetyPrecedence ranks categories for SafetyEngine evaluation (§4.3), highest
// precedence first.
var safetyPrecedence = []OverrideCategory{
	CategoryHardcodedSafety,
	CategorySystemSafety,
	CategoryEmergency,
	CategoryMaintenance,
	CategoryScheduled,
	CategoryManual,
	CategoryUserIntent,
}

// SafetyPrecedence returns the fixed safety-rule category evaluation order,
// highest precedence first.
func SafetyPrecedence() []OverrideCategory {
	out := make([]OverrideCategory, len(safetyPrecedence))
	copy(out, safetyPrecedence)
	return out
}

// OverrideScope is whether an override targets a single device or every
// device in a FunctionalSystem.
type OverrideScope string

const (
	ScopeDevice OverrideScope = "DEVICE"
	ScopeSystem OverrideScope = "SYSTEM"
)

// Override is an operator-imposed value that supersedes Intent for a target
// (device or functional system) within a category. At most one Override may
// exist per (TargetId, Category).
type Override struct {
	TargetId  string
	Scope     OverrideScope
	Category  OverrideCategory
	Value     DeviceValue
	Reason    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the override has a non-nil ExpiresAt at or
// before now.
func (o Override) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// IsPermanent reports whether the override never expires.
func (o Override) IsPermanent() bool {
	return o.ExpiresAt == nil
}
