// Package queues provides an at-least-once message queue and broadcast
// pub/sub abstraction backed by Redis Streams and Redis Pub/Sub, plus the
// generic IndexedPriorityQueue used for in-process secondary indices.
package queues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// MessageHandler processes a single queue message or broadcast payload.
type MessageHandler func(ctx context.Context, payload []byte, log logrus.FieldLogger) error

// RetryConfig controls how RetryFailedMessages reclaims and retries pending
// stream entries that a consumer never acknowledged.
type RetryConfig struct {
	MaxRetries int
	MinIdle    time.Duration
}

// DefaultRetryConfig returns the retry policy used when a component does not
// need a custom one.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		MinIdle:    30 * time.Second,
	}
}

// QueueProducer enqueues messages onto a named at-least-once queue.
type QueueProducer interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
	Close()
}

// QueueConsumer consumes messages from a named at-least-once queue.
type QueueConsumer interface {
	// Consume blocks, invoking handler for each message, until ctx is done
	// or Close is called.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// PubSubPublisher broadcasts payloads to all current subscribers of a
// channel. There is no history: subscribers that join after a Publish never
// see it.
type PubSubPublisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close()
}

// PubSubSubscriber creates subscriptions against a broadcast channel.
type PubSubSubscriber interface {
	Subscribe(ctx context.Context, handler MessageHandler) (Subscription, error)
	Close()
}

// Subscription represents one Subscribe call; closing it stops delivery to
// that handler without affecting other subscriptions from the same
// PubSubSubscriber.
type Subscription interface {
	Close() error
}

// Provider is the full set of messaging primitives a component needs:
// durable queues, broadcast pub/sub, and the bookkeeping operations used by
// periodic maintenance (timeout reclaim, retry, checkpointing).
type Provider interface {
	NewQueueConsumer(ctx context.Context, queueName string) (QueueConsumer, error)
	NewQueueProducer(ctx context.Context, queueName string) (QueueProducer, error)
	NewPubSubPublisher(ctx context.Context, channelName string) (PubSubPublisher, error)
	NewPubSubSubscriber(ctx context.Context, channelName string) (PubSubSubscriber, error)

	// ProcessTimedOutMessages reclaims pending entries idle longer than
	// timeout and re-delivers them to handler, acking/deleting on success.
	ProcessTimedOutMessages(ctx context.Context, queueName string, timeout time.Duration, handler func(entryID string, body []byte) error) (int, error)
	// RetryFailedMessages reclaims pending entries per config and invokes
	// handler with their current delivery count.
	RetryFailedMessages(ctx context.Context, queueName string, config RetryConfig, handler func(entryID string, body []byte, retryCount int) error) (int, error)

	// Stop signals all consumers owned by this provider to stop.
	Stop()
	// Wait blocks until all consumer goroutines owned by this provider have
	// returned.
	Wait()
	// CheckHealth reports whether the underlying Redis connection is
	// reachable.
	CheckHealth(ctx context.Context) error

	GetLatestProcessedTimestamp(ctx context.Context) (time.Time, error)
	AdvanceCheckpointAndCleanup(ctx context.Context) error
	SetCheckpointTimestamp(ctx context.Context, timestamp time.Time) error
}

// RedisProvider implements Provider on top of a single go-redis client.
type RedisProvider struct {
	client      *redis.Client
	log         logrus.FieldLogger
	processName string
	retryConfig RetryConfig

	wg sync.WaitGroup

	mu      sync.Mutex
	closers []func()
}

const checkpointKeyPrefix = "calcifer:checkpoint:"

// NewRedisProvider dials Redis and returns a Provider backed by it.
func NewRedisProvider(ctx context.Context, log logrus.FieldLogger, processName, hostname string, port int, password string, retryConfig RetryConfig) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", hostname, port),
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s:%d: %w", hostname, port, err)
	}

	return &RedisProvider{
		client:      client,
		log:         log,
		processName: processName,
		retryConfig: retryConfig,
	}, nil
}

func (p *RedisProvider) addCloser(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closers = append(p.closers, fn)
}

// Stop signals every consumer/subscription created by this provider to
// close. It does not close the underlying Redis client.
func (p *RedisProvider) Stop() {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
}

// Wait blocks until all consumer/subscription goroutines have returned.
func (p *RedisProvider) Wait() {
	p.wg.Wait()
}

// CheckHealth pings the underlying Redis connection.
func (p *RedisProvider) CheckHealth(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisProvider) GetLatestProcessedTimestamp(ctx context.Context) (time.Time, error) {
	val, err := p.client.Get(ctx, checkpointKeyPrefix+p.processName).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading checkpoint: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing checkpoint value: %w", err)
	}
	return ts, nil
}

func (p *RedisProvider) SetCheckpointTimestamp(ctx context.Context, timestamp time.Time) error {
	return p.client.Set(ctx, checkpointKeyPrefix+p.processName, timestamp.Format(time.RFC3339Nano), 0).Err()
}

// AdvanceCheckpointAndCleanup stamps the checkpoint with the current time.
// Callers that maintain their own notion of "now" should prefer
// SetCheckpointTimestamp.
func (p *RedisProvider) AdvanceCheckpointAndCleanup(ctx context.Context) error {
	return p.SetCheckpointTimestamp(ctx, time.Now())
}

// NewQueueProducer returns a producer for queueName. No group or stream
// setup is required to enqueue.
func (p *RedisProvider) NewQueueProducer(ctx context.Context, queueName string) (QueueProducer, error) {
	return &redisQueue{client: p.client, name: queueName, log: p.log}, nil
}

// NewQueueConsumer returns a consumer for queueName, creating the consumer
// group (and the stream, if needed) on first use.
func (p *RedisProvider) NewQueueConsumer(ctx context.Context, queueName string) (QueueConsumer, error) {
	err := p.client.XGroupCreateMkStream(ctx, queueName, queueName, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("creating consumer group for %s: %w", queueName, err)
	}

	consumerID := fmt.Sprintf("%s-%d", p.processName, time.Now().UnixNano())
	q := &redisQueue{
		client:     p.client,
		name:       queueName,
		log:        p.log,
		consumerID: consumerID,
	}
	q.stopCh = make(chan struct{})
	p.addCloser(q.stop)
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// redisQueue is both a QueueProducer and a QueueConsumer for a single Redis
// Stream; the consumer group name always matches the stream name.
type redisQueue struct {
	client     *redis.Client
	name       string
	log        logrus.FieldLogger
	consumerID string

	stopCh    chan struct{}
	closeOnce sync.Once
}

func (q *redisQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.name,
		Values: map[string]interface{}{"body": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueuing to %s: %w", q.name, err)
	}
	return id, nil
}

func (q *redisQueue) Close() {
	q.stop()
}

func (q *redisQueue) stop() {
	q.closeOnce.Do(func() {
		if q.stopCh != nil {
			close(q.stopCh)
		}
	})
}

// Consume loops calling consumeOnce until ctx is done or Close is called.
func (q *redisQueue) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.stopCh:
			return nil
		default:
		}

		if err := q.consumeOnce(ctx, handler); err != nil {
			q.log.WithError(err).WithField("queue", q.name).Warn("error consuming message")
		}
	}
}

// consumeOnce reads at most one message and, regardless of handler outcome,
// acknowledges and deletes it, so the stream never grows unbounded on
// handler failure. A message whose handler fails is not redelivered: it
// leaves no pending entry. ProcessTimedOutMessages / RetryFailedMessages
// reclaim only entries left pending without an ack, such as those read by a
// consumer that stopped before acknowledging them.
func (q *redisQueue) consumeOnce(ctx context.Context, handler MessageHandler) error {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.name,
		Consumer: q.consumerID,
		Streams:  []string{q.name, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil
	}

	msg := res[0].Messages[0]

	var handlerErr error
	rawBody, ok := msg.Values["body"]
	if !ok {
		handlerErr = fmt.Errorf("handler errors: message %s missing body field", msg.ID)
	} else {
		var payload []byte
		switch v := rawBody.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			handlerErr = fmt.Errorf("handler errors: message %s has unsupported body type %T", msg.ID, v)
		}

		if handlerErr == nil {
			if err := handler(ctx, payload, q.log); err != nil {
				handlerErr = fmt.Errorf("handler error: %w", err)
			}
		}
	}

	if err := q.ackAndDeleteMessage(ctx, msg.ID); err != nil {
		return fmt.Errorf("failed to purge message %s: %w", msg.ID, err)
	}

	return handlerErr
}

func (q *redisQueue) ackAndDeleteMessage(ctx context.Context, messageID string) error {
	if err := q.client.XAck(ctx, q.name, q.name, messageID).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", messageID, err)
	}
	if err := q.client.XDel(ctx, q.name, messageID).Err(); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// ProcessTimedOutMessages reclaims entries that have been pending (claimed
// but never acked) for longer than timeout, and redelivers them to handler.
func (p *RedisProvider) ProcessTimedOutMessages(ctx context.Context, queueName string, timeout time.Duration, handler func(entryID string, body []byte) error) (int, error) {
	return p.reclaimAndHandle(ctx, queueName, timeout, func(entryID string, body []byte, _ int) error {
		return handler(entryID, body)
	})
}

// RetryFailedMessages reclaims pending entries per config.MinIdle and
// invokes handler with each entry's current delivery count, dropping
// (acking without redelivery) entries that exceed config.MaxRetries.
func (p *RedisProvider) RetryFailedMessages(ctx context.Context, queueName string, config RetryConfig, handler func(entryID string, body []byte, retryCount int) error) (int, error) {
	return p.reclaimAndHandleWithLimit(ctx, queueName, config, handler)
}

func (p *RedisProvider) reclaimAndHandle(ctx context.Context, queueName string, minIdle time.Duration, handler func(entryID string, body []byte, retryCount int) error) (int, error) {
	return p.reclaimAndHandleWithLimit(ctx, queueName, RetryConfig{MaxRetries: -1, MinIdle: minIdle}, handler)
}

func (p *RedisProvider) reclaimAndHandleWithLimit(ctx context.Context, queueName string, config RetryConfig, handler func(entryID string, body []byte, retryCount int) error) (int, error) {
	pending, err := p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queueName,
		Group:  queueName,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   config.MinIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing pending entries for %s: %w", queueName, err)
	}

	processed := 0
	for _, entry := range pending {
		if config.MaxRetries >= 0 && int(entry.RetryCount) > config.MaxRetries {
			// Past the retry budget: drop the entry without redelivering.
			if err := p.client.XAck(ctx, queueName, queueName, entry.ID).Err(); err == nil {
				_ = p.client.XDel(ctx, queueName, entry.ID).Err()
			}
			continue
		}

		claimed, err := p.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   queueName,
			Group:    queueName,
			Consumer: p.processName,
			MinIdle:  config.MinIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		msg := claimed[0]
		rawBody, ok := msg.Values["body"]
		if !ok {
			continue
		}
		var body []byte
		switch v := rawBody.(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		default:
			continue
		}

		if err := handler(msg.ID, body, int(entry.RetryCount)); err != nil {
			p.log.WithError(err).WithField("queue", queueName).Warn("retry handler failed")
			continue
		}

		if err := p.client.XAck(ctx, queueName, queueName, msg.ID).Err(); err == nil {
			_ = p.client.XDel(ctx, queueName, msg.ID).Err()
		}
		processed++
	}

	return processed, nil
}

// NewPubSubPublisher returns a broadcaster for channelName.
func (p *RedisProvider) NewPubSubPublisher(ctx context.Context, channelName string) (PubSubPublisher, error) {
	return &redisPublisher{client: p.client, channel: channelName}, nil
}

// NewPubSubSubscriber returns a subscriber handle for channelName. Multiple
// independent Subscribe calls may be made against the returned subscriber.
func (p *RedisProvider) NewPubSubSubscriber(ctx context.Context, channelName string) (PubSubSubscriber, error) {
	sub := &redisSubscriber{client: p.client, channel: channelName, log: p.log, provider: p}
	return sub, nil
}

type redisPublisher struct {
	client  *redis.Client
	channel string
	closed  bool
	mu      sync.Mutex
}

func (b *redisPublisher) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("publisher closed")
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *redisPublisher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

type redisSubscriber struct {
	client   *redis.Client
	channel  string
	log      logrus.FieldLogger
	provider *RedisProvider
	mu       sync.Mutex
	closed   bool
}

func (s *redisSubscriber) Subscribe(ctx context.Context, handler MessageHandler) (Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("subscriber closed")
	}

	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", s.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{ps: ps, cancel: cancel}

	if s.provider != nil {
		s.provider.wg.Add(1)
		s.provider.addCloser(func() { _ = sub.Close() })
	}

	go sub.loop(subCtx, handler, s.log, s.provider)

	return sub, nil
}

func (s *redisSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type redisSubscription struct {
	ps        *redis.PubSub
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *redisSubscription) loop(ctx context.Context, handler MessageHandler, log logrus.FieldLogger, provider *RedisProvider) {
	if provider != nil {
		defer provider.wg.Done()
	}
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			if err := handler(ctx, []byte(msg.Payload), log); err != nil {
				log.WithError(err).WithField("channel", msg.Channel).Warn("broadcast handler failed")
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.ps.Close()
	})
	return err
}
