package store

import (
	"fmt"
	"strconv"

	"github.com/flightctl/calcifer/internal/twin"
)

// decodeValue reconstructs a twin.DeviceValue from its wire/persisted
// encoding for the given device type. It is the inverse of
// twin.DeviceValue.Encode for every concrete value type.
func decodeValue(deviceType twin.DeviceType, raw string) (twin.DeviceValue, error) {
	switch deviceType {
	case twin.DeviceTypeRelay:
		switch raw {
		case "1":
			return twin.NewRelayValue(true), nil
		case "0":
			return twin.NewRelayValue(false), nil
		default:
			return nil, fmt.Errorf("invalid relay encoding %q", raw)
		}
	case twin.DeviceTypeFan:
		speed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fan encoding %q: %w", raw, err)
		}
		return twin.NewFanValue(speed)
	case twin.DeviceTypeTemperature:
		celsius, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid temperature encoding %q: %w", raw, err)
		}
		return twin.NewTemperatureValue(celsius), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", deviceType)
	}
}
