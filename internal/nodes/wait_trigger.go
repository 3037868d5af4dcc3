package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// waitTriggerNode blocks until a payload is published on its trigger
// topic. Form values: trigger_id (required), timeout (default 5m).
// Payloads published before the node subscribed are lost.
type waitTriggerNode struct {
	broker ports.Broker
	logger *zap.Logger
}

func (n *waitTriggerNode) Execute(ctx context.Context, in Input) (interface{}, error) {
	if n.broker == nil {
		return nil, fmt.Errorf("no broker available for trigger")
	}
	triggerID := stringValue(in.Node.FormValues, "trigger_id")
	if triggerID == "" {
		return nil, fmt.Errorf("trigger_id is required")
	}
	timeout, err := durationValue(in.Node.FormValues, "timeout", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	sub, err := n.broker.Subscribe(ctx, domain.TriggerTopic(triggerID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to trigger %s: %w", triggerID, err)
	}
	defer sub.Close()

	n.logger.Info("waiting for trigger",
		zap.String("workflow_id", in.WorkflowID),
		zap.String("node_id", in.Node.ID),
		zap.String("trigger_id", triggerID))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-sub.C():
		if !ok {
			return nil, fmt.Errorf("trigger %s subscription closed", triggerID)
		}
		var payload interface{}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			payload = string(msg.Payload)
		}
		return map[string]interface{}{"trigger_id": triggerID, "payload": payload}, nil
	case <-timer.C:
		return nil, fmt.Errorf("trigger %s not received within %s", triggerID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
