package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/internal/application/engine"
	"github.com/aescanero/dagrun/internal/application/tracker"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SandboxKiller force-removes a sandbox by name
type SandboxKiller interface {
	Teardown(ctx context.Context, name string) error
}

// Controller submits and stops workflow runs as background jobs
type Controller struct {
	graph     ports.GraphStore
	queue     ports.JobQueue
	broker    ports.Broker
	registry  *engine.Registry
	reader    *tracker.Reader
	sandboxes SandboxKiller
	validator *engine.Validator
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewController creates a new job controller. sandboxes may be nil when
// runs never use a container runtime.
func NewController(
	graph ports.GraphStore,
	queue ports.JobQueue,
	broker ports.Broker,
	states ports.StateStore,
	registry *engine.Registry,
	sandboxes SandboxKiller,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Controller {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Controller{
		graph:     graph,
		queue:     queue,
		broker:    broker,
		registry:  registry,
		reader:    tracker.NewReader(states),
		sandboxes: sandboxes,
		validator: engine.NewValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// StartExecution validates the workflow and submits a run. It returns the
// job id without waiting for the run.
func (c *Controller) StartExecution(ctx context.Context, workflowID string) (string, error) {
	wf, err := c.graph.ReadWorkflow(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("failed to read workflow: %w", err)
	}

	if err := c.validator.Validate(wf); err != nil {
		c.logger.Warn("workflow validation failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return "", err
	}

	busy, err := c.busy(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if busy {
		return "", domain.ErrAlreadyRunning
	}

	now := time.Now()
	job := &domain.Job{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     domain.JobStatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	if err := c.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	if err := c.graph.SetJobID(ctx, workflowID, job.ID); err != nil {
		return "", fmt.Errorf("failed to record job id: %w", err)
	}

	c.metrics.RecordJob(string(domain.JobStatusPending))
	c.logger.Info("execution submitted",
		zap.String("workflow_id", workflowID),
		zap.String("job_id", job.ID))

	return job.ID, nil
}

// StopExecution stops the workflow's run. An in-process run is shut down
// directly; the job is revoked and a cancel is broadcast for a run owned
// by another process, and the sandbox is killed as a backstop. The caller
// waits at most timeout in total, for acknowledgement only: teardown goes
// on in the background. Stopping a finished or never started run succeeds.
func (c *Controller) StopExecution(ctx context.Context, workflowID string, timeout time.Duration) (bool, error) {
	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()
	teardownCtx := context.WithoutCancel(ctx)

	local := false
	if run, ok := c.registry.Get(workflowID); ok {
		local = true
		stopped := make(chan error, 1)
		go func() {
			stopped <- run.ForceShutdown(teardownCtx)
		}()

		select {
		case err := <-stopped:
			if err != nil {
				c.logger.Warn("in-process shutdown did not complete",
					zap.String("workflow_id", workflowID),
					zap.Error(err))
			}
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return false, err
			}
			c.logger.Info("in-process run cancelled, teardown still in progress",
				zap.String("workflow_id", workflowID))
		}
	}

	job, err := c.currentJob(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if job == nil || !job.Status.IsActive() {
		c.logger.Debug("no active job to stop",
			zap.String("workflow_id", workflowID),
			zap.Bool("in_process", local))
		return true, nil
	}

	// Subscribe before publishing so the ack cannot be missed.
	sub, err := c.broker.Subscribe(ctx, domain.JobAckTopic(job.ID))
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to job ack: %w", err)
	}
	defer sub.Close()

	if err := c.queue.UpdateStatus(ctx, job.ID, domain.JobStatusRevoked, "stopped by request"); err != nil {
		return false, fmt.Errorf("failed to revoke job: %w", err)
	}
	c.metrics.RecordJob(string(domain.JobStatusRevoked))

	payload, err := json.Marshal(domain.CancelRequest{JobID: job.ID, WorkflowID: workflowID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal cancel request: %w", err)
	}
	if err := c.broker.Publish(ctx, domain.JobCancelTopic, payload); err != nil {
		return false, fmt.Errorf("failed to publish cancel request: %w", err)
	}

	if c.sandboxes != nil {
		go c.killSandbox(teardownCtx, workflowID)
	}

	c.logger.Info("stop requested",
		zap.String("workflow_id", workflowID),
		zap.String("job_id", job.ID),
		zap.Bool("in_process", local))

	select {
	case _, ok := <-sub.C():
		return ok, nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return false, err
		}
		// A pending job never reached a worker; revoking it is enough.
		if job.Status == domain.JobStatusPending {
			return true, nil
		}
		c.logger.Warn("stop not acknowledged in time",
			zap.String("workflow_id", workflowID),
			zap.String("job_id", job.ID),
			zap.Duration("timeout", timeout))
		return false, nil
	}
}

func (c *Controller) killSandbox(ctx context.Context, workflowID string) {
	if err := c.sandboxes.Teardown(ctx, domain.SandboxName(workflowID)); err != nil {
		c.logger.Warn("backstop sandbox teardown failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
}

// GetTaskStatus returns the workflow's latest job
func (c *Controller) GetTaskStatus(ctx context.Context, workflowID string) (*domain.Job, error) {
	job, err := c.currentJob(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job for workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	return job, nil
}

// HasActiveTask reports whether the workflow's latest job is pending,
// started or in progress
func (c *Controller) HasActiveTask(ctx context.Context, workflowID string) (bool, error) {
	job, err := c.currentJob(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return job != nil && job.Status.IsActive(), nil
}

// Shutdown stops every run owned by this process
func (c *Controller) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down job controller",
		zap.Int("active_runs", c.registry.Count()))

	c.registry.ShutdownAll(ctx)
	return nil
}

// busy reports whether a run of workflowID exists anywhere: in this
// process, in the shared store or as an active job.
func (c *Controller) busy(ctx context.Context, workflowID string) (bool, error) {
	if c.registry.Owns(workflowID) {
		return true, nil
	}

	running, err := c.reader.IsRunning(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if running {
		return true, nil
	}

	return c.HasActiveTask(ctx, workflowID)
}

// currentJob returns the workflow's recorded job, or nil if it has none
func (c *Controller) currentJob(ctx context.Context, workflowID string) (*domain.Job, error) {
	jobID, err := c.graph.JobID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to read job id: %w", err)
	}
	if jobID == "" {
		return nil, nil
	}

	job, err := c.queue.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}
