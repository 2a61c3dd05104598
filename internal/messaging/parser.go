// Package messaging implements the inbound feedback parser and outbound
// command publisher (§6), both layered on pkg/queues's Redis Streams
// at-least-once transport.
package messaging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
)

// familyToDeviceType maps the routing-key family segment to a DeviceType.
var familyToDeviceType = map[string]twin.DeviceType{
	"digital_output": twin.DeviceTypeRelay,
	"fan":             twin.DeviceTypeFan,
	"temperature":     twin.DeviceTypeTemperature,
}

// ParsedFeedback is the result of parsing one inbound state-echo message.
type ParsedFeedback struct {
	DeviceId twin.DeviceId
	Type     twin.DeviceType
	Value    twin.DeviceValue
}

// Parser implements the inbound feedback parse rules (§6): routing key
// pattern "*.*.<family>.*.state" resolves controller/component/family,
// and the payload is decoded per-family.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// ParseFeedback parses routingKey and payload into a ParsedFeedback, or
// returns a twinerrors.ErrValidation-wrapped error for dead-lettering.
func (p *Parser) ParseFeedback(routingKey, payload string) (ParsedFeedback, error) {
	segments := strings.Split(routingKey, ".")
	if len(segments) != 5 || segments[4] != "state" {
		return ParsedFeedback{}, fmt.Errorf("%w: malformed routing key %q", twinerrors.ErrValidation, routingKey)
	}
	controllerId, family, componentId := segments[0], segments[2], segments[3]

	deviceType, ok := familyToDeviceType[family]
	if !ok {
		return ParsedFeedback{}, fmt.Errorf("%w: unknown device family %q", twinerrors.ErrValidation, family)
	}

	deviceId, err := twin.NewDeviceId(controllerId, componentId)
	if err != nil {
		return ParsedFeedback{}, fmt.Errorf("%w: %v", twinerrors.ErrValidation, err)
	}

	value, err := parsePayload(deviceType, payload)
	if err != nil {
		return ParsedFeedback{}, err
	}

	return ParsedFeedback{DeviceId: deviceId, Type: deviceType, Value: value}, nil
}

func parsePayload(deviceType twin.DeviceType, payload string) (twin.DeviceValue, error) {
	trimmed := strings.TrimSpace(payload)
	switch deviceType {
	case twin.DeviceTypeRelay:
		switch strings.ToUpper(trimmed) {
		case "0", "LOW":
			return twin.NewRelayValue(false), nil
		case "1", "HIGH":
			return twin.NewRelayValue(true), nil
		default:
			return nil, fmt.Errorf("%w: invalid relay payload %q", twinerrors.ErrValidation, payload)
		}
	case twin.DeviceTypeFan:
		speed, err := strconv.Atoi(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid fan payload %q: %v", twinerrors.ErrValidation, payload, err)
		}
		value, err := twin.NewFanValue(speed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", twinerrors.ErrValidation, err)
		}
		return value, nil
	case twin.DeviceTypeTemperature:
		celsius, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid temperature payload %q: %v", twinerrors.ErrValidation, payload, err)
		}
		return twin.NewTemperatureValue(celsius), nil
	default:
		return nil, fmt.Errorf("%w: unsupported device type %q", twinerrors.ErrValidation, deviceType)
	}
}
