package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// InMemoryBroker implements ports.Broker with buffered per-subscriber
// channels. Publish never blocks: a full subscriber drops the message.
type InMemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscription]struct{}
	bufferSize  int
	closed      bool
	logger      *zap.Logger
}

type subscription struct {
	broker *InMemoryBroker
	topic  string
	ch     chan ports.Message
	once   sync.Once
	// stop detaches the ctx watch set up by Subscribe
	stop func() bool
}

// NewInMemoryBroker creates a new in-memory broker
func NewInMemoryBroker(bufferSize int, logger *zap.Logger) *InMemoryBroker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryBroker{
		subscribers: make(map[string]map[*subscription]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Publish delivers payload to every current subscriber of topic
func (b *InMemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	for sub := range b.subscribers[topic] {
		msg := ports.Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("subscriber buffer full, dropping message",
				zap.String("topic", topic))
		}
	}

	return nil
}

// Subscribe registers a subscriber on topic. The subscription is active
// when Subscribe returns and ends when ctx is done or Close is called.
func (b *InMemoryBroker) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &subscription{
		broker: b,
		topic:  topic,
		ch:     make(chan ports.Message, b.bufferSize),
	}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[*subscription]struct{})
	}
	b.subscribers[topic][sub] = struct{}{}

	sub.stop = context.AfterFunc(ctx, func() {
		_ = sub.Close()
	})

	return sub, nil
}

// SubscriberCount returns the number of subscribers of topic
func (b *InMemoryBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close closes the broker and every subscription
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.subscribers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *subscription) C() <-chan ports.Message {
	return s.ch
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.stop()

		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()

		if set, ok := s.broker.subscribers[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.broker.subscribers, s.topic)
			}
		}
		close(s.ch)
	})
	return nil
}
