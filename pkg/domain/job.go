package domain

import "time"

// JobStatus is the status of a background execution job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusStarted    JobStatus = "started"
	JobStatusInProgress JobStatus = "in-progress"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRevoked    JobStatus = "revoked"
)

// IsActive reports whether the job still occupies its workflow.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusStarted || s == JobStatusInProgress
}

// Job is one background execution of a workflow.
type Job struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Status     JobStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Job control topics.
const (
	JobCancelTopic = "jobs:cancel"
)

// JobAckTopic is the topic on which a worker acknowledges a cancel request.
func JobAckTopic(jobID string) string {
	return "jobs:ack:" + jobID
}

// CancelRequest is published on JobCancelTopic to stop a job wherever it
// runs.
type CancelRequest struct {
	JobID      string `json:"job_id"`
	WorkflowID string `json:"workflow_id"`
}

// CancelAck is published on JobAckTopic by the worker owning the job.
type CancelAck struct {
	JobID  string `json:"job_id"`
	Worker string `json:"worker"`
}
