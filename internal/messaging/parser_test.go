package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightctl/calcifer/internal/twin"
)

func TestParseFeedback_RelayOnOff(t *testing.T) {
	p := NewParser()

	off, err := p.ParseFeedback("ctrl1.x.digital_output.relay1.state", " low ")
	require.NoError(t, err)
	assert.Equal(t, twin.DeviceTypeRelay, off.Type)
	assert.True(t, off.Value.Equal(twin.NewRelayValue(false)))

	on, err := p.ParseFeedback("ctrl1.x.digital_output.relay1.state", "1")
	require.NoError(t, err)
	assert.True(t, on.Value.Equal(twin.NewRelayValue(true)))
}

func TestParseFeedback_RelayInvalidPayloadRejected(t *testing.T) {
	p := NewParser()
	_, err := p.ParseFeedback("ctrl1.x.digital_output.relay1.state", "maybe")
	assert.Error(t, err)
}

func TestParseFeedback_FanInRange(t *testing.T) {
	p := NewParser()
	parsed, err := p.ParseFeedback("ctrl1.x.fan.fan1.state", "3")
	require.NoError(t, err)
	fanValue, err := twin.NewFanValue(3)
	require.NoError(t, err)
	assert.True(t, parsed.Value.Equal(fanValue))
}

func TestParseFeedback_FanOutOfRangeRejected(t *testing.T) {
	p := NewParser()
	_, err := p.ParseFeedback("ctrl1.x.fan.fan1.state", "9")
	assert.Error(t, err)
}

func TestParseFeedback_Temperature(t *testing.T) {
	p := NewParser()
	parsed, err := p.ParseFeedback("ctrl1.x.temperature.sensor1.state", "21.5")
	require.NoError(t, err)
	assert.True(t, parsed.Value.Equal(twin.NewTemperatureValue(21.5)))
}

func TestParseFeedback_MalformedRoutingKeyRejected(t *testing.T) {
	p := NewParser()
	_, err := p.ParseFeedback("not-enough-segments", "1")
	assert.Error(t, err)
}

func TestParseFeedback_UnknownFamilyRejected(t *testing.T) {
	p := NewParser()
	_, err := p.ParseFeedback("ctrl1.x.unknown.relay1.state", "1")
	assert.Error(t, err)
}

func TestTopic_BuildsOutboundTopicPerFamily(t *testing.T) {
	deviceId, err := twin.NewDeviceId("ctrl1", "relay1")
	require.NoError(t, err)

	topic, err := Topic(deviceId, twin.DeviceTypeRelay)
	require.NoError(t, err)
	assert.Equal(t, "/ctrl1/digital_output/relay1/set", topic)
}
