// Package twin defines the digital-twin data model: device identity and
// type, the three orthogonal per-device states (Intent, Reported, Desired),
// overrides, functional systems, safety rule contracts, and audit entries.
package twin

import (
	"fmt"
	"regexp"
	"time"
)

var deviceIDPartPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DeviceId identifies a single device as the pair (ControllerId,
// ComponentId). Its canonical string form is "controllerId:componentId".
type DeviceId struct {
	ControllerId string
	ComponentId  string
}

// NewDeviceId validates and constructs a DeviceId.
func NewDeviceId(controllerId, componentId string) (DeviceId, error) {
	if !deviceIDPartPattern.MatchString(controllerId) {
		return DeviceId{}, fmt.Errorf("invalid controller id %q", controllerId)
	}
	if !deviceIDPartPattern.MatchString(componentId) {
		return DeviceId{}, fmt.Errorf("invalid component id %q", componentId)
	}
	return DeviceId{ControllerId: controllerId, ComponentId: componentId}, nil
}

// Canonical returns "controllerId:componentId".
func (d DeviceId) Canonical() string {
	return d.ControllerId + ":" + d.ComponentId
}

func (d DeviceId) String() string { return d.Canonical() }

// ParseDeviceId parses the "controllerId:componentId" canonical form
// produced by Canonical.
func ParseDeviceId(canonical string) (DeviceId, error) {
	for i := 0; i < len(canonical); i++ {
		if canonical[i] == ':' {
			return NewDeviceId(canonical[:i], canonical[i+1:])
		}
	}
	return DeviceId{}, fmt.Errorf("invalid canonical device id %q: missing ':'", canonical)
}

// Equal reports whether two DeviceIds refer to the same device.
func (d DeviceId) Equal(other DeviceId) bool {
	return d.ControllerId == other.ControllerId && d.ComponentId == other.ComponentId
}

// Capability describes whether a DeviceType is reconciled (OUTPUT) or only
// observed (INPUT).
type Capability string

const (
	CapabilityOutput Capability = "OUTPUT"
	CapabilityInput  Capability = "INPUT"
)

// DeviceType is the fixed set of physical device kinds Calcifer models.
type DeviceType string

const (
	DeviceTypeRelay       DeviceType = "RELAY"
	DeviceTypeFan         DeviceType = "FAN"
	DeviceTypeTemperature DeviceType = "TEMPERATURE_SENSOR"
)

// Capability returns whether t is an OUTPUT (reconciled) or INPUT
// (observed-only) device type.
func (t DeviceType) Capability() Capability {
	switch t {
	case DeviceTypeRelay, DeviceTypeFan:
		return CapabilityOutput
	default:
		return CapabilityInput
	}
}

// IsValid reports whether t is one of the known device types.
func (t DeviceType) IsValid() bool {
	switch t {
	case DeviceTypeRelay, DeviceTypeFan, DeviceTypeTemperature:
		return true
	default:
		return false
	}
}

// DeviceValue is a strictly tagged variant: every implementation knows the
// single DeviceType it is valid for, so mismatches between a value and a
// device's declared type are caught at construction, not deep in the
// reconciler.
type DeviceValue interface {
	Type() DeviceType
	// Encode renders the value as the wire/persisted string form used by
	// both the messaging bus codec (§6) and the Redis hot store.
	Encode() string
	// Equal reports whether two values are the same tag and payload.
	Equal(other DeviceValue) bool
}

// RelayValue is the ON/OFF value of a RELAY device.
type RelayValue struct {
	On bool
}

// NewRelayValue constructs a RelayValue.
func NewRelayValue(on bool) DeviceValue {
	return RelayValue{On: on}
}

func (v RelayValue) Type() DeviceType { return DeviceTypeRelay }

func (v RelayValue) Encode() string {
	if v.On {
		return "1"
	}
	return "0"
}

func (v RelayValue) Equal(other DeviceValue) bool {
	o, ok := other.(RelayValue)
	return ok && o.On == v.On
}

// FanValue is a discrete 0-4 fan speed.
type FanValue struct {
	Speed int
}

// MaxFanSpeed is the highest valid discrete fan speed (5 states, 0-4).
const MaxFanSpeed = 4

// NewFanValue constructs a FanValue, rejecting an out-of-range speed at the
// boundary rather than deep in the reconciler.
func NewFanValue(speed int) (DeviceValue, error) {
	if speed < 0 || speed > MaxFanSpeed {
		return nil, fmt.Errorf("fan speed %d out of range [0,%d]", speed, MaxFanSpeed)
	}
	return FanValue{Speed: speed}, nil
}

func (v FanValue) Type() DeviceType { return DeviceTypeFan }

func (v FanValue) Encode() string { return fmt.Sprintf("%d", v.Speed) }

func (v FanValue) Equal(other DeviceValue) bool {
	o, ok := other.(FanValue)
	return ok && o.Speed == v.Speed
}

// TemperatureValue is a floating-point sensor reading. TEMPERATURE_SENSOR is
// an INPUT-only type: it never appears as an Intent or Desired value, only
// as Reported.
type TemperatureValue struct {
	Celsius float64
}

func NewTemperatureValue(celsius float64) DeviceValue {
	return TemperatureValue{Celsius: celsius}
}

func (v TemperatureValue) Type() DeviceType { return DeviceTypeTemperature }

func (v TemperatureValue) Encode() string { return fmt.Sprintf("%g", v.Celsius) }

func (v TemperatureValue) Equal(other DeviceValue) bool {
	o, ok := other.(TemperatureValue)
	return ok && o.Celsius == v.Celsius
}

// UserIntent is what the user asked for. It is immutable: "updating" intent
// means replacing the stored record wholesale.
type UserIntent struct {
	DeviceId   DeviceId
	Type       DeviceType
	Value      DeviceValue
	CreatedAt  time.Time
}

// ReportedDeviceState is what the device last reported. isKnown is false
// exactly when Value is nil.
type ReportedDeviceState struct {
	DeviceId   DeviceId
	Type       DeviceType
	Value      DeviceValue
	ReportedAt time.Time
	IsKnown    bool
}

// UnknownReportedState returns a ReportedDeviceState with no known value.
func UnknownReportedState(id DeviceId, t DeviceType) ReportedDeviceState {
	return ReportedDeviceState{DeviceId: id, Type: t, IsKnown: false}
}

// DesiredDeviceState is what the controller has decided should be true. It
// always carries a concrete value.
type DesiredDeviceState struct {
	DeviceId  DeviceId
	Type      DeviceType
	Value     DeviceValue
	UpdatedAt time.Time
}

// DeviceTwinSnapshot is the composite read of a device's three states.
type DeviceTwinSnapshot struct {
	DeviceId DeviceId
	Type     DeviceType
	Intent   *UserIntent
	Reported *ReportedDeviceState
	Desired  *DesiredDeviceState
}

// IsEmpty reports whether no slot has ever been written for this device.
func (s DeviceTwinSnapshot) IsEmpty() bool {
	return s.Intent == nil && s.Reported == nil && s.Desired == nil
}

// IsConverged reports whether the device's reported value matches its
// desired value.
func (s DeviceTwinSnapshot) IsConverged() bool {
	if s.Reported == nil || !s.Reported.IsKnown || s.Desired == nil {
		return false
	}
	return s.Reported.Value.Equal(s.Desired.Value)
}
