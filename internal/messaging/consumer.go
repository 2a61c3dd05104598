package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flightctl/calcifer/internal/events"
	"github.com/flightctl/calcifer/internal/idempotency"
	"github.com/flightctl/calcifer/internal/twin"
	"github.com/flightctl/calcifer/internal/twinerrors"
)

// InboundQueueName is the single Redis Stream every device feedback
// message arrives on, matching outboundQueueName's one-stream-per-direction
// shape.
const InboundQueueName = "calcifer:feedback"

// FeedbackWriter is the narrow TwinStore operation this package depends on
// to apply a parsed feedback message.
type FeedbackWriter interface {
	SetReported(ctx context.Context, reported twin.ReportedDeviceState) error
}

// DuplicateFilter is the narrow internal/idempotency operation this
// package depends on.
type DuplicateFilter interface {
	Accept(ctx context.Context, key string) (bool, error)
}

// EventPublisher is the narrow events.Bus operation this package depends
// on.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

// DropRecorder receives a count of duplicate feedback messages dropped by
// the idempotency filter. A nil DropRecorder is a no-op.
type DropRecorder interface {
	DroppedDuplicate()
}

type noopDropRecorder struct{}

func (noopDropRecorder) DroppedDuplicate() {}

// Consumer turns one inbound queue message into a TwinStore write and a
// ReportedChanged event, applying the idempotency filter to OUTPUT device
// types only (§4.11 leaves sensor time-series unfiltered).
type Consumer struct {
	log    logrus.FieldLogger
	parser *Parser
	writer FeedbackWriter
	dedup  DuplicateFilter
	bus    EventPublisher
	record DropRecorder
}

// NewConsumer constructs a Consumer. record may be nil.
func NewConsumer(log logrus.FieldLogger, parser *Parser, writer FeedbackWriter, dedup DuplicateFilter, bus EventPublisher, record DropRecorder) *Consumer {
	if record == nil {
		record = noopDropRecorder{}
	}
	return &Consumer{log: log, parser: parser, writer: writer, dedup: dedup, bus: bus, record: record}
}

// Handle implements pkg/queues.MessageHandler. A message body is
// "<routingKey> <payload>"; a malformed body or an unparseable payload is
// logged and dropped rather than retried, since no amount of redelivery
// will make it parseable.
func (c *Consumer) Handle(ctx context.Context, body []byte, _ logrus.FieldLogger) error {
	routingKey, payload, ok := strings.Cut(string(body), " ")
	if !ok {
		c.log.WithField("body", string(body)).Warn("messaging: dropping malformed feedback message")
		return nil
	}

	parsed, err := c.parser.ParseFeedback(routingKey, payload)
	if err != nil {
		c.log.WithError(err).WithField("routing_key", routingKey).Warn("messaging: dropping unparseable feedback message")
		return nil
	}

	if idempotency.ShouldFilter(parsed.Type) {
		// The wire format carries no per-message timestamp, so the dedup
		// key is derived from content alone: two deliveries of the same
		// routing key and payload are the same logical event regardless of
		// when either arrived.
		key := idempotency.Key(parsed.DeviceId, time.Time{}, payload)
		accepted, err := c.dedup.Accept(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: checking idempotency: %v", twinerrors.ErrInfrastructureUnavailable, err)
		}
		if !accepted {
			c.record.DroppedDuplicate()
			c.log.WithField("device_id", parsed.DeviceId.Canonical()).Debug("messaging: dropping duplicate feedback message")
			return nil
		}
	}

	reported := twin.ReportedDeviceState{
		DeviceId:   parsed.DeviceId,
		Type:       parsed.Type,
		Value:      parsed.Value,
		ReportedAt: time.Now().UTC(),
		IsKnown:    true,
	}
	if err := c.writer.SetReported(ctx, reported); err != nil {
		return err
	}

	c.bus.Publish(ctx, events.Event{
		Kind:     events.KindReportedChanged,
		Scope:    events.ScopeDevice,
		DeviceID: parsed.DeviceId.Canonical(),
	})
	return nil
}
