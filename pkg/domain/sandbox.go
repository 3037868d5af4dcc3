package domain

// DevSandboxSuffix names the persistent per-workflow sandbox used for
// on-demand single-node execution.
const DevSandboxSuffix = "-dev"

// SandboxHandle identifies an isolated runtime. The name doubles as the
// at-most-one-instance key.
type SandboxHandle struct {
	Name               string `json:"name"`
	Running            bool   `json:"running"`
	ExposedCommandPort string `json:"exposed_command_port,omitempty"`
	Persistent         bool   `json:"persistent"`
	WorkflowDigest     string `json:"workflow_digest,omitempty"`
}

// SandboxName returns the runtime name for a workflow full run.
func SandboxName(workflowID string) string {
	return workflowID
}

// DevSandboxName returns the runtime name of the on-demand sandbox.
func DevSandboxName(workflowID string) string {
	return workflowID + DevSandboxSuffix
}
