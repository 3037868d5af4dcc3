package domain

// Node execution result statuses on the command channel.
const (
	NodeStatusSuccess = "success"
	NodeStatusError   = "error"
)

// ExecuteNodeRequest is the command channel request body.
type ExecuteNodeRequest struct {
	NodeID  string                 `json:"node_id"`
	Payload map[string]interface{} `json:"payload"`
}

// NodeResult is the command channel response and the on-demand execution
// result.
type NodeResult struct {
	NodeID     string      `json:"node_id,omitempty"`
	Status     string      `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}
