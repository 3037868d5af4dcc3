package domain

import "time"

// RunStatus is the status recorded in the shared execution state.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status ends a run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ExecutionState is the live snapshot of one workflow's run progress. It is
// mirrored into the shared store after every mutation.
type ExecutionState struct {
	WorkflowID     string               `json:"workflow_id"`
	Status         RunStatus            `json:"status"`
	ExecutingNodes map[string]time.Time `json:"executing_nodes"`
	CompletedNodes []string             `json:"completed_nodes"`
	CompletedCount int                  `json:"completed_count"`
	FailedNodes    []string             `json:"failed_nodes,omitempty"`
	BlockedNodes   []string             `json:"blocked_nodes,omitempty"`
	Error          string               `json:"error,omitempty"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	FinishedAt     *time.Time           `json:"finished_at,omitempty"`
	HeartbeatAt    *time.Time           `json:"heartbeat_at,omitempty"`
}

// IdleState is the canonical snapshot returned for a workflow with no
// recorded state.
func IdleState(workflowID string) *ExecutionState {
	return &ExecutionState{
		WorkflowID:     workflowID,
		Status:         RunStatusIdle,
		ExecutingNodes: map[string]time.Time{},
		CompletedNodes: []string{},
	}
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	out := *s
	out.ExecutingNodes = make(map[string]time.Time, len(s.ExecutingNodes))
	for k, v := range s.ExecutingNodes {
		out.ExecutingNodes[k] = v
	}
	out.CompletedNodes = append([]string{}, s.CompletedNodes...)
	out.FailedNodes = append([]string(nil), s.FailedNodes...)
	out.BlockedNodes = append([]string(nil), s.BlockedNodes...)
	out.StartedAt = copyTime(s.StartedAt)
	out.FinishedAt = copyTime(s.FinishedAt)
	out.HeartbeatAt = copyTime(s.HeartbeatAt)
	return &out
}

// Normalize fills nil collections so readers never observe null fields.
func (s *ExecutionState) Normalize() {
	if s.ExecutingNodes == nil {
		s.ExecutingNodes = map[string]time.Time{}
	}
	if s.CompletedNodes == nil {
		s.CompletedNodes = []string{}
	}
	if s.Status == "" {
		s.Status = RunStatusIdle
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
