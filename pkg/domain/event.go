package domain

import "time"

// EventType identifies an observer event.
type EventType string

const (
	EventTypeStateSync         EventType = "state_sync"
	EventTypeNodeStarted       EventType = "node_started"
	EventTypeNodeCompleted     EventType = "node_completed"
	EventTypeNodeFailed        EventType = "node_failed"
	EventTypeWorkflowCompleted EventType = "workflow_completed"
	EventTypeWorkflowFailed    EventType = "workflow_failed"
	EventTypeWorkflowCancelled EventType = "workflow_cancelled"
	EventTypePong              EventType = "pong"
)

// Client message types accepted by the observer gateway.
const (
	ClientMessagePing         = "ping"
	ClientMessageRequestState = "request_state"
)

// Event is one incremental message fanned out to observers.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	NodeID     string                 `json:"node_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
	State      *ExecutionState        `json:"state,omitempty"`
}

// WorkflowTopic is the broker topic carrying a workflow's events.
func WorkflowTopic(workflowID string) string {
	return "workflow:" + workflowID
}

// TriggerTopic is the broker topic of the out-of-band trigger channel.
func TriggerTopic(triggerID string) string {
	return "trigger:" + triggerID
}
