// Package broadcast fans execution events out to a workflow's observers
// through the broker.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcaster publishes events on the per-workflow topic. Delivery is
// at-most-once: observers that join later rely on state sync.
type Broadcaster struct {
	broker  ports.Broker
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// New creates a broadcaster
func New(broker ports.Broker, metrics ports.MetricsCollector, logger *zap.Logger) *Broadcaster {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Broadcaster{
		broker:  broker,
		metrics: metrics,
		logger:  logger,
	}
}

// Broadcast builds an event and publishes it to every current subscriber
// of the workflow's topic.
func (b *Broadcaster) Broadcast(ctx context.Context, workflowID string, eventType domain.EventType, nodeID string, data map[string]interface{}) error {
	return b.Publish(ctx, &domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}

// Publish sends a prepared event
func (b *Broadcaster) Publish(ctx context.Context, event *domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.broker.Publish(ctx, domain.WorkflowTopic(event.WorkflowID), payload); err != nil {
		b.logger.Warn("failed to broadcast event",
			zap.String("workflow_id", event.WorkflowID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.metrics.RecordEventBroadcast(string(event.Type))
	b.logger.Debug("event broadcast",
		zap.String("workflow_id", event.WorkflowID),
		zap.String("event_type", string(event.Type)),
		zap.String("node_id", event.NodeID))

	return nil
}

// Subscribe joins a workflow's event topic
func (b *Broadcaster) Subscribe(ctx context.Context, workflowID string) (ports.Subscription, error) {
	return b.broker.Subscribe(ctx, domain.WorkflowTopic(workflowID))
}

// DecodeEvent parses one broker payload
func DecodeEvent(payload []byte) (*domain.Event, error) {
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}
