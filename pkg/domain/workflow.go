package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Node types that initiate a run. Edges may never target them.
const (
	NodeTypeStart         = "start"
	NodeTypeManualTrigger = "manual_trigger"
	NodeTypeWebhook       = "webhook"
	NodeTypeSchedule      = "schedule"
)

var entryNodeTypes = map[string]bool{
	NodeTypeStart:         true,
	NodeTypeManualTrigger: true,
	NodeTypeWebhook:       true,
	NodeTypeSchedule:      true,
}

// IsEntryType reports whether nodes of the given type are designated
// entry/initiator nodes.
func IsEntryType(nodeType string) bool {
	return entryNodeTypes[nodeType]
}

// WorkflowDescriptor is the immutable snapshot of a workflow graph taken at
// run start.
type WorkflowDescriptor struct {
	ID    string           `json:"id"`
	Nodes []NodeDescriptor `json:"nodes"`
	Edges []EdgeDescriptor `json:"edges"`
}

// NodeDescriptor describes one opaque node.
type NodeDescriptor struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	FormValues map[string]interface{} `json:"form_values,omitempty"`
}

// EdgeDescriptor is a dependency edge: Target runs after Source.
type EdgeDescriptor struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
}

// Node returns the descriptor of the node with the given id.
func (w *WorkflowDescriptor) Node(id string) (NodeDescriptor, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDescriptor{}, false
}

// Clone returns a deep copy so later edits of the source never reach an
// in-flight run.
func (w *WorkflowDescriptor) Clone() (*WorkflowDescriptor, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var out WorkflowDescriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Digest returns a stable content hash of the descriptor.
func (w *WorkflowDescriptor) Digest() string {
	data, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
