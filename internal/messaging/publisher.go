package messaging

import (
	"context"
	"fmt"

	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/pkg/queues"
)

// deviceTypeToFamily is the inverse of familyToDeviceType, used to build
// outbound topic segments.
var deviceTypeToFamily = map[twin.DeviceType]string{
	twin.DeviceTypeRelay:       "digital_output",
	twin.DeviceTypeFan:         "fan",
	twin.DeviceTypeTemperature: "temperature",
}

// outboundQueueName is the single Redis Stream every outbound command is
// enqueued onto; the topic itself travels as part of the message body so a
// single consumer group can fan commands out to the physical transport.
const outboundQueueName = "calcifer:commands"

// Publisher implements the outbound command publish rules (§6): topic
// "/<controllerId>/<family>/<componentId>/set", payload per DeviceType's
// own Encode().
type Publisher struct {
	producer queues.QueueProducer
}

// NewPublisher wraps a queues.Provider's producer for outboundQueueName.
func NewPublisher(ctx context.Context, provider queues.Provider) (*Publisher, error) {
	producer, err := provider.NewQueueProducer(ctx, outboundQueueName)
	if err != nil {
		return nil, fmt.Errorf("creating command producer: %w", err)
	}
	return &Publisher{producer: producer}, nil
}

// Topic builds the outbound topic for deviceId/value's device type.
func Topic(deviceId twin.DeviceId, deviceType twin.DeviceType) (string, error) {
	family, ok := deviceTypeToFamily[deviceType]
	if !ok {
		return "", fmt.Errorf("no outbound family mapped for device type %q", deviceType)
	}
	return fmt.Sprintf("/%s/%s/%s/set", deviceId.ControllerId, family, deviceId.ComponentId), nil
}

// PublishCommand encodes value and enqueues it for delivery to deviceId.
func (p *Publisher) PublishCommand(ctx context.Context, deviceId twin.DeviceId, value twin.DeviceValue) error {
	topic, err := Topic(deviceId, value.Type())
	if err != nil {
		return err
	}
	body := fmt.Sprintf("%s %s", topic, value.Encode())
	_, err = p.producer.Enqueue(ctx, []byte(body))
	if err != nil {
		return fmt.Errorf("publishing command to %s: %w", topic, err)
	}
	return nil
}

// Close releases the underlying producer's resources.
func (p *Publisher) Close() {
	p.producer.Close()
}
