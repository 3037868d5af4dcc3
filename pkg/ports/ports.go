package ports

import (
	"context"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

// GraphStore is the external persistence collaborator. It supplies workflow
// snapshots and accepts node output writes.
type GraphStore interface {
	ReadWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowDescriptor, error)
	SaveWorkflow(ctx context.Context, wf *domain.WorkflowDescriptor) error
	WriteNodeOutput(ctx context.Context, workflowID, nodeID string, output interface{}) error
	ReadNodeOutput(ctx context.Context, workflowID, nodeID string) (interface{}, bool, error)
	SetJobID(ctx context.Context, workflowID, jobID string) error
	JobID(ctx context.Context, workflowID string) (string, error)
}

// StateStore is the cross-process shared execution state store. Load never
// fails for a missing record: it returns domain.IdleState.
type StateStore interface {
	SaveState(ctx context.Context, state *domain.ExecutionState) error
	LoadState(ctx context.Context, workflowID string) (*domain.ExecutionState, error)
	DeleteState(ctx context.Context, workflowID string) error
	ListStates(ctx context.Context) ([]*domain.ExecutionState, error)
}

// SampleStore holds the append-only resource sample series per workflow.
type SampleStore interface {
	AppendSample(ctx context.Context, workflowID string, sample domain.ResourceSample) error
	Samples(ctx context.Context, workflowID string, limit int) ([]domain.ResourceSample, error)
	ClearSamples(ctx context.Context, workflowID string) error
}

// Message is one payload delivered on a broker topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription receives the messages of one topic until closed.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Broker is the topic->subscribers primitive shared by the observer event
// fan-out, the trigger channel and job control. Delivery is at-most-once:
// a message published with no subscriber is dropped.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// JobHandler processes one dequeued job.
type JobHandler func(ctx context.Context, job *domain.Job) error

// JobQueue is the background job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	// Consume blocks, delivering jobs one at a time to handler until ctx is
	// done.
	Consume(ctx context.Context, consumer string, handler JobHandler) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error
	Close() error
}

// Invoker executes one node in some runtime.
type Invoker interface {
	Invoke(ctx context.Context, nodeID string, payload map[string]interface{}) (interface{}, error)
}

// Lease binds an acquired sandbox to the invoker that reaches it.
type Lease struct {
	Name    string
	Invoker Invoker
}

// SandboxBackend acquires and releases the runtime a full run dispatches to.
type SandboxBackend interface {
	Acquire(ctx context.Context, wf *domain.WorkflowDescriptor) (*Lease, error)
	Release(ctx context.Context, name string) error
}

// ResourceMonitor samples a running sandbox until ctx is done or the
// sandbox stops.
type ResourceMonitor interface {
	Run(ctx context.Context, workflowID, sandboxName string) error
}

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordRunStarted()
	RecordRunFinished(status string, duration time.Duration)
	RecordNodeExecuted(status string, duration time.Duration)
	SetActiveRuns(count int)
	RecordEventBroadcast(eventType string)
	RecordResourceSample(workflowID string, sample domain.ResourceSample)
	ForgetResourceSeries(workflowID string)
	RecordJob(status string)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	RecordSandboxOperation(operation, result string)
}

// NopMetrics discards every metric.
type NopMetrics struct{}

func (NopMetrics) RecordRunStarted()                                  {}
func (NopMetrics) RecordRunFinished(string, time.Duration)            {}
func (NopMetrics) RecordNodeExecuted(string, time.Duration)           {}
func (NopMetrics) SetActiveRuns(int)                                  {}
func (NopMetrics) RecordEventBroadcast(string)                        {}
func (NopMetrics) RecordResourceSample(string, domain.ResourceSample) {}
func (NopMetrics) ForgetResourceSeries(string)                        {}
func (NopMetrics) RecordJob(string)                                   {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int)               {}
func (NopMetrics) RecordSandboxOperation(string, string)              {}
