package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/engine"
	"github.com/aescanero/dagrun/internal/application/tracker"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// EngineRunner runs a job's workflow with an in-process engine that
// dispatches every node to the workflow's sandbox.
type EngineRunner struct {
	deps engine.Dependencies
	cfg  engine.Config
}

// NewEngineRunner creates a dispatch mode runner. Each job gets its own
// engine built from deps and cfg.
func NewEngineRunner(deps engine.Dependencies, cfg engine.Config) *EngineRunner {
	return &EngineRunner{deps: deps, cfg: cfg}
}

// Run loads the workflow snapshot and runs it
func (r *EngineRunner) Run(ctx context.Context, job *domain.Job, onStart func()) (domain.RunStatus, error) {
	wf, err := r.deps.Graph.ReadWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return domain.RunStatusFailed, fmt.Errorf("failed to read workflow: %w", err)
	}

	deps := r.deps
	if deps.Logger != nil {
		deps.Logger = deps.Logger.With(
			zap.String("workflow_id", wf.ID),
			zap.String("job_id", job.ID))
	}

	eng := engine.New(deps, r.cfg)
	if err := eng.Load(wf); err != nil {
		return domain.RunStatusFailed, err
	}

	onStart()
	return eng.Run(ctx)
}

// EphemeralSandboxes launches and reaps one-shot sandboxes
type EphemeralSandboxes interface {
	RunEphemeral(ctx context.Context, wf *domain.WorkflowDescriptor) (*domain.SandboxHandle, error)
	Wait(ctx context.Context, name string) (int64, error)
	Teardown(ctx context.Context, name string) error
}

// EphemeralRunner runs a job's workflow inside a one-shot sandbox that
// executes the whole graph and exits. The outcome is read back from the
// shared store.
type EphemeralRunner struct {
	graph       ports.GraphStore
	states      ports.StateStore
	sandboxes   EphemeralSandboxes
	monitor     ports.ResourceMonitor
	broadcaster *broadcast.Broadcaster
	registry    *engine.Registry
	validator   *engine.Validator
	logger      *zap.Logger
}

// NewEphemeralRunner creates an ephemeral mode runner. monitor may be nil.
func NewEphemeralRunner(
	graph ports.GraphStore,
	states ports.StateStore,
	sandboxes EphemeralSandboxes,
	monitor ports.ResourceMonitor,
	broadcaster *broadcast.Broadcaster,
	registry *engine.Registry,
	logger *zap.Logger,
) *EphemeralRunner {
	return &EphemeralRunner{
		graph:       graph,
		states:      states,
		sandboxes:   sandboxes,
		monitor:     monitor,
		broadcaster: broadcaster,
		registry:    registry,
		validator:   engine.NewValidator(),
		logger:      logger,
	}
}

// Run launches the sandbox, waits for it to exit and settles the run. A
// sandbox that died before recording a terminal state leaves the run
// Failed, or Cancelled when the job was stopped.
func (r *EphemeralRunner) Run(ctx context.Context, job *domain.Job, onStart func()) (domain.RunStatus, error) {
	wf, err := r.graph.ReadWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return domain.RunStatusFailed, fmt.Errorf("failed to read workflow: %w", err)
	}
	if err := r.validator.Validate(wf); err != nil {
		return domain.RunStatusFailed, err
	}

	log := r.logger.With(
		zap.String("workflow_id", wf.ID),
		zap.String("job_id", job.ID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	storeCtx := context.WithoutCancel(ctx)

	run := &ephemeralRun{cancel: cancel, sandboxes: r.sandboxes, name: domain.SandboxName(wf.ID)}
	if err := r.registry.Register(wf.ID, run); err != nil {
		return domain.RunStatusFailed, err
	}
	defer r.registry.Unregister(wf.ID, run)

	// A run owned by another process must not lose its sandbox or state.
	running, err := tracker.NewReader(r.states).IsRunning(ctx, wf.ID)
	if err != nil {
		return domain.RunStatusFailed, err
	}
	if running {
		return domain.RunStatusFailed, domain.ErrAlreadyRunning
	}

	launched := time.Now()
	handle, err := r.sandboxes.RunEphemeral(runCtx, wf)
	if err != nil {
		status := domain.RunStatusFailed
		if runCtx.Err() != nil {
			status = domain.RunStatusCancelled
		}
		r.settle(storeCtx, wf.ID, launched, status, err.Error(), log)
		return status, err
	}

	onStart()
	log.Info("ephemeral sandbox running", zap.String("sandbox", handle.Name))

	var monitors sync.WaitGroup
	monCtx, stopMonitor := context.WithCancel(runCtx)
	if r.monitor != nil {
		monitors.Add(1)
		go func() {
			defer monitors.Done()
			if err := r.monitor.Run(monCtx, wf.ID, handle.Name); err != nil && monCtx.Err() == nil {
				log.Warn("resource monitor stopped", zap.Error(err))
			}
		}()
	}

	exitCode, waitErr := r.sandboxes.Wait(runCtx, handle.Name)
	stopMonitor()
	monitors.Wait()

	if err := r.sandboxes.Teardown(storeCtx, handle.Name); err != nil {
		log.Warn("failed to remove ephemeral sandbox", zap.Error(err))
	}

	status := domain.RunStatusFailed
	reason := fmt.Sprintf("sandbox exited with code %d", exitCode)
	switch {
	case runCtx.Err() != nil:
		status, reason = domain.RunStatusCancelled, ""
	case waitErr != nil:
		reason = fmt.Sprintf("sandbox wait failed: %v", waitErr)
	}

	return r.settle(storeCtx, wf.ID, launched, status, reason, log), nil
}

// settle returns the terminal status the sandbox recorded for this run.
// If there is none, it records status itself and broadcasts it.
func (r *EphemeralRunner) settle(ctx context.Context, workflowID string, launched time.Time, status domain.RunStatus, reason string, log *zap.Logger) domain.RunStatus {
	state, err := tracker.NewReader(r.states).GetFullState(ctx, workflowID)
	if err != nil {
		log.Error("failed to read final state", zap.Error(err))
		state = domain.IdleState(workflowID)
	}

	ours := state.StartedAt != nil && !state.StartedAt.Before(launched.Add(-time.Second))
	if ours && state.Status.IsTerminal() {
		return state.Status
	}
	if !ours {
		state = domain.IdleState(workflowID)
	}

	now := time.Now().UTC()
	state.Status = status
	state.Error = reason
	state.ExecutingNodes = map[string]time.Time{}
	state.FinishedAt = &now
	if err := r.states.SaveState(ctx, state); err != nil {
		log.Error("failed to persist final state", zap.Error(err))
	}

	eventType := domain.EventTypeWorkflowFailed
	data := map[string]interface{}{"error": reason}
	if status == domain.RunStatusCancelled {
		eventType, data = domain.EventTypeWorkflowCancelled, nil
	}
	if err := r.broadcaster.Broadcast(ctx, workflowID, eventType, "", data); err != nil {
		log.Warn("failed to broadcast final state", zap.Error(err))
	}

	log.Info("ephemeral run settled",
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return status
}

// ephemeralRun lets the registry reach an ephemeral run for direct
// cancellation
type ephemeralRun struct {
	once      sync.Once
	cancel    context.CancelFunc
	sandboxes EphemeralSandboxes
	name      string
}

func (e *ephemeralRun) ForceShutdown(ctx context.Context) error {
	var err error
	e.once.Do(func() {
		e.cancel()
		err = e.sandboxes.Teardown(ctx, e.name)
	})
	return err
}
