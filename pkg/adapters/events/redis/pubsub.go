package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// PubSubBroker implements ports.Broker using Redis Pub/Sub, so events
// published by an engine in one process reach observers connected to any
// other process.
type PubSubBroker struct {
	client     *redis.Client
	logger     *zap.Logger
	bufferSize int
}

// NewPubSubBroker creates a new Redis Pub/Sub broker
func NewPubSubBroker(client *redis.Client, bufferSize int, logger *zap.Logger) *PubSubBroker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &PubSubBroker{
		client:     client,
		logger:     logger,
		bufferSize: bufferSize,
	}
}

// Publish publishes payload on the channel for topic
func (b *PubSubBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, getChannelKey(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	b.logger.Debug("message published",
		zap.String("topic", topic),
		zap.Int("bytes", len(payload)))

	return nil
}

// Subscribe subscribes to topic. The subscription is confirmed by Redis
// before Subscribe returns.
func (b *PubSubBroker) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	channel := getChannelKey(topic)
	ps := b.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so nothing published after this
	// call returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ps:     ps,
		ch:     make(chan ports.Message, b.bufferSize),
		cancel: cancel,
	}

	go b.forward(subCtx, topic, sub)

	b.logger.Debug("subscribed to topic",
		zap.String("topic", topic),
		zap.String("channel", channel))

	return sub, nil
}

// forward copies Redis messages into the subscriber channel until the
// subscription ends
func (b *PubSubBroker) forward(ctx context.Context, topic string, sub *subscription) {
	defer close(sub.ch)
	defer func() { _ = sub.closePubSub() }()

	in := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case sub.ch <- ports.Message{Topic: topic, Payload: []byte(msg.Payload)}:
			default:
				b.logger.Warn("subscriber buffer full, dropping message",
					zap.String("topic", topic))
			}
		}
	}
}

// Close closes the broker. The Redis client is closed by the caller.
func (b *PubSubBroker) Close() error {
	return nil
}

type subscription struct {
	ps     *redis.PubSub
	ch     chan ports.Message
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) C() <-chan ports.Message {
	return s.ch
}

func (s *subscription) Close() error {
	s.cancel()
	return s.closePubSub()
}

func (s *subscription) closePubSub() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}

// getChannelKey returns the Redis channel for a topic
func getChannelKey(topic string) string {
	return fmt.Sprintf("dagrun:topic:%s", topic)
}
