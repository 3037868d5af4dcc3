// Package engine implements the per-run workflow state machine. An Engine
// loads one workflow snapshot, claims the workflow in the registry, drives
// its nodes in dependency order through the dispatcher and guarantees
// teardown on completion, failure and forced cancellation.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/dispatcher"
	"github.com/aescanero/dagrun/internal/application/resolver"
	"github.com/aescanero/dagrun/internal/application/tracker"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is the engine lifecycle state
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoaded    Status = "loaded"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the engine can no longer change state
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) runStatus() domain.RunStatus {
	switch s {
	case StatusCompleted:
		return domain.RunStatusCompleted
	case StatusFailed:
		return domain.RunStatusFailed
	case StatusCancelled:
		return domain.RunStatusCancelled
	case StatusRunning:
		return domain.RunStatusRunning
	default:
		return domain.RunStatusIdle
	}
}

// Config tunes scheduling
type Config struct {
	// MaxParallel bounds concurrently dispatched independent nodes
	MaxParallel int
	// HeartbeatInterval is how often a running state is refreshed in the
	// shared store; zero disables the heartbeat.
	HeartbeatInterval time.Duration
}

// Dependencies are the collaborators of a run. Monitor is optional.
type Dependencies struct {
	Graph       ports.GraphStore
	States      ports.StateStore
	Sandboxes   ports.SandboxBackend
	Monitor     ports.ResourceMonitor
	Broadcaster *broadcast.Broadcaster
	Registry    *Registry
	Metrics     ports.MetricsCollector
	Logger      *zap.Logger
}

// CloserFunc adapts a function to io.Closer
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// Engine runs one workflow once
type Engine struct {
	deps      Dependencies
	cfg       Config
	validator *Validator
	logger    *zap.Logger

	mu          sync.Mutex
	status      Status
	wf          *domain.WorkflowDescriptor
	resolver    *resolver.Resolver
	tracker     *tracker.Tracker
	cancel      context.CancelFunc
	done        chan struct{}
	sandboxName string
	closers     []io.Closer
	startedAt   time.Time

	teardownOnce sync.Once
}

// New creates an idle engine
func New(deps Dependencies, cfg Config) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Engine{
		deps:      deps,
		cfg:       cfg,
		validator: NewValidator(),
		logger:    deps.Logger,
		status:    StatusIdle,
	}
}

// Load validates wf and keeps a private copy of it. Later edits of wf
// never reach the run.
func (e *Engine) Load(wf *domain.WorkflowDescriptor) error {
	if err := e.validator.Validate(wf); err != nil {
		return err
	}

	snapshot, err := wf.Clone()
	if err != nil {
		return fmt.Errorf("failed to snapshot workflow: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusIdle {
		return fmt.Errorf("cannot load in state %s: %w", e.status, domain.ErrInvalidState)
	}

	e.wf = snapshot
	e.resolver = resolver.New(snapshot)
	e.tracker = tracker.New(snapshot.ID, e.deps.States, e.logger)
	e.logger = e.deps.Logger.With(zap.String("workflow_id", snapshot.ID))
	e.status = StatusLoaded

	return nil
}

// AddCloser registers an external resource released at teardown
func (e *Engine) AddCloser(c io.Closer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, c)
}

// Status returns the lifecycle state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// WorkflowID returns the id of the loaded workflow
func (e *Engine) WorkflowID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf == nil {
		return ""
	}
	return e.wf.ID
}

// State returns the in-process execution state
func (e *Engine) State() *domain.ExecutionState {
	e.mu.Lock()
	t := e.tracker
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Snapshot()
}

// Run executes the loaded workflow and blocks until it is terminal. A
// second run of a workflow that is already running, here or in another
// process, fails with domain.ErrAlreadyRunning and leaves that run alone.
// Node failures end the run Failed with a nil error; the error is reserved
// for rejections and infrastructure aborts.
func (e *Engine) Run(ctx context.Context) (domain.RunStatus, error) {
	e.mu.Lock()
	status, wf := e.status, e.wf
	e.mu.Unlock()

	switch status {
	case StatusLoaded:
	case StatusRunning:
		return "", domain.ErrAlreadyRunning
	default:
		return "", fmt.Errorf("cannot run in state %s: %w", status, domain.ErrInvalidState)
	}

	running, err := tracker.NewReader(e.deps.States).IsRunning(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	if running {
		return "", domain.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	storeCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	if e.status != StatusLoaded {
		e.mu.Unlock()
		cancel()
		return "", fmt.Errorf("cannot run in state %s: %w", e.status, domain.ErrInvalidState)
	}
	if err := e.deps.Registry.Register(wf.ID, e); err != nil {
		e.mu.Unlock()
		cancel()
		return "", err
	}
	e.status = StatusRunning
	e.cancel = cancel
	e.done = make(chan struct{})
	e.startedAt = time.Now()
	done := e.done
	e.mu.Unlock()
	defer close(done)
	defer cancel()

	// caller cancellation goes through the same path as an explicit stop
	stopWatch := context.AfterFunc(ctx, func() {
		_ = e.ForceShutdown(context.Background())
	})
	defer stopWatch()

	e.deps.Metrics.RecordRunStarted()
	e.deps.Metrics.SetActiveRuns(e.deps.Registry.Count())
	e.logger.Info("workflow run started", zap.Int("nodes", len(wf.Nodes)))

	if _, err := e.tracker.Start(storeCtx); err != nil {
		e.logger.Warn("initial state not mirrored", zap.Error(err))
	}

	var heartbeats sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	if e.cfg.HeartbeatInterval > 0 {
		heartbeats.Add(1)
		go func() {
			defer heartbeats.Done()
			e.heartbeat(hbCtx, storeCtx)
		}()
	}
	defer func() {
		stopHeartbeat()
		heartbeats.Wait()
	}()

	lease, err := e.deps.Sandboxes.Acquire(runCtx, wf)
	if err != nil {
		if runCtx.Err() != nil {
			return e.finish(storeCtx, outcome{status: StatusCancelled}), nil
		}
		e.logger.Error("sandbox acquisition failed", zap.Error(err))
		return e.finish(storeCtx, outcome{status: StatusFailed, err: err}), err
	}

	e.mu.Lock()
	e.sandboxName = lease.Name
	e.mu.Unlock()

	if e.deps.Monitor != nil {
		monCtx, stopMonitor := context.WithCancel(runCtx)
		e.AddCloser(CloserFunc(func() error {
			stopMonitor()
			return nil
		}))
		go func() {
			if err := e.deps.Monitor.Run(monCtx, wf.ID, lease.Name); err != nil && monCtx.Err() == nil {
				e.logger.Warn("resource monitor stopped", zap.Error(err))
			}
		}()
	}

	d := dispatcher.New(wf, e.resolver, e.deps.Graph, lease.Invoker, e.logger)
	result := e.schedule(runCtx, storeCtx, d)

	return e.finish(storeCtx, result), result.abort
}

// ForceShutdown cancels a running workflow: no further node is dispatched,
// the sandbox and registered resources are released and the run ends
// Cancelled. Persisted node outputs stay. Calling it again, or on a
// finished run, does nothing.
func (e *Engine) ForceShutdown(ctx context.Context) error {
	e.mu.Lock()
	switch e.status {
	case StatusRunning:
		e.status = StatusCancelled
		cancel, done := e.cancel, e.done
		e.mu.Unlock()

		e.logger.Info("force shutdown requested")
		cancel()
		e.teardown(ctx)

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StatusIdle, StatusLoaded:
		e.status = StatusCancelled
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		return nil
	}
}

type nodeState int

const (
	nodePending nodeState = iota
	nodeRunning
	nodeDone
	nodeFailed
	nodeBlocked
)

type nodeOutcome struct {
	nodeID   string
	output   interface{}
	err      error
	duration time.Duration
}

type outcome struct {
	status  Status
	err     error
	abort   error
	failed  []string
	blocked []string
}

// schedule dispatches every ready node, at most MaxParallel at a time,
// until nothing more can progress. A node is ready when all its direct
// predecessors completed; node_started is broadcast only then.
func (e *Engine) schedule(runCtx, storeCtx context.Context, d *dispatcher.Dispatcher) outcome {
	order, err := e.resolver.TopologicalOrder()
	if err != nil {
		return outcome{status: StatusFailed, err: err}
	}

	states := make(map[string]nodeState, len(order))
	results := make(chan nodeOutcome, len(order))
	var group errgroup.Group
	group.SetLimit(e.cfg.MaxParallel)
	inFlight := 0

	var result outcome
	var firstFailure error

	for {
		if result.abort == nil && runCtx.Err() == nil {
			for _, id := range order {
				if inFlight >= e.cfg.MaxParallel {
					break
				}
				if states[id] != nodePending || !e.ready(id, states) {
					continue
				}

				states[id] = nodeRunning
				inFlight++
				e.nodeStarted(storeCtx, id)

				nodeID := id
				group.Go(func() error {
					start := time.Now()
					output, err := d.ExecuteNode(runCtx, nodeID)
					results <- nodeOutcome{nodeID: nodeID, output: output, err: err, duration: time.Since(start)}
					return nil
				})
			}
		}

		if inFlight == 0 {
			break
		}

		select {
		case r := <-results:
			inFlight--
			if runCtx.Err() != nil {
				continue
			}
			if r.err == nil {
				states[r.nodeID] = nodeDone
				e.nodeCompleted(storeCtx, r)
				continue
			}

			states[r.nodeID] = nodeFailed
			var blocked []string
			for _, desc := range e.resolver.Descendants(r.nodeID) {
				if states[desc] == nodePending {
					states[desc] = nodeBlocked
					blocked = append(blocked, desc)
				}
			}
			result.failed = append(result.failed, r.nodeID)
			result.blocked = append(result.blocked, blocked...)
			if firstFailure == nil {
				firstFailure = r.err
			}
			e.nodeFailed(storeCtx, r, blocked)

			if domain.IsInfrastructure(r.err) {
				result.abort = r.err
			}
		case <-runCtx.Done():
			_ = group.Wait()
			result.status = StatusCancelled
			return result
		}
	}
	_ = group.Wait()

	switch {
	case runCtx.Err() != nil:
		result.status = StatusCancelled
	case result.abort != nil:
		result.status = StatusFailed
		result.err = result.abort
	case firstFailure != nil:
		result.status = StatusFailed
		result.err = firstFailure
	default:
		result.status = StatusCompleted
	}

	return result
}

func (e *Engine) ready(nodeID string, states map[string]nodeState) bool {
	for _, pred := range e.resolver.DirectPredecessors(nodeID) {
		if states[pred] != nodeDone {
			return false
		}
	}
	return true
}

func (e *Engine) nodeStarted(ctx context.Context, nodeID string) {
	if _, err := e.tracker.MarkExecuting(ctx, nodeID, time.Now()); err != nil {
		e.logger.Warn("node start not mirrored", zap.String("node_id", nodeID), zap.Error(err))
	}
	_ = e.deps.Broadcaster.Broadcast(ctx, e.wf.ID, domain.EventTypeNodeStarted, nodeID, nil)
}

func (e *Engine) nodeCompleted(ctx context.Context, r nodeOutcome) {
	if _, err := e.tracker.MarkCompleted(ctx, r.nodeID); err != nil {
		e.logger.Warn("node completion not mirrored", zap.String("node_id", r.nodeID), zap.Error(err))
	}
	e.deps.Metrics.RecordNodeExecuted(domain.NodeStatusSuccess, r.duration)
	e.logger.Debug("node completed",
		zap.String("node_id", r.nodeID),
		zap.Duration("duration", r.duration))

	_ = e.deps.Broadcaster.Broadcast(ctx, e.wf.ID, domain.EventTypeNodeCompleted, r.nodeID, map[string]interface{}{
		"duration_ms": r.duration.Milliseconds(),
		"output":      r.output,
	})
}

func (e *Engine) nodeFailed(ctx context.Context, r nodeOutcome, blocked []string) {
	if _, err := e.tracker.MarkFailed(ctx, r.nodeID, blocked); err != nil {
		e.logger.Warn("node failure not mirrored", zap.String("node_id", r.nodeID), zap.Error(err))
	}
	e.deps.Metrics.RecordNodeExecuted(domain.NodeStatusError, r.duration)
	e.logger.Info("node failed",
		zap.String("node_id", r.nodeID),
		zap.Strings("blocked", blocked),
		zap.Error(r.err))

	_ = e.deps.Broadcaster.Broadcast(ctx, e.wf.ID, domain.EventTypeNodeFailed, r.nodeID, map[string]interface{}{
		"duration_ms": r.duration.Milliseconds(),
		"error":       r.err.Error(),
		"blocked":     blocked,
	})
}

// finish settles the terminal status, releases resources, then persists
// and broadcasts the outcome. A concurrent ForceShutdown wins over the
// scheduler's own verdict.
func (e *Engine) finish(ctx context.Context, result outcome) domain.RunStatus {
	e.mu.Lock()
	if e.status == StatusRunning {
		e.status = result.status
	}
	final := e.status
	elapsed := time.Since(e.startedAt)
	e.mu.Unlock()

	e.teardown(ctx)

	errMsg := ""
	if final == StatusFailed && result.err != nil {
		errMsg = result.err.Error()
	}
	if _, err := e.tracker.Finish(ctx, final.runStatus(), errMsg); err != nil {
		e.logger.Error("terminal state not mirrored", zap.Error(err))
	}

	data := map[string]interface{}{"duration_ms": elapsed.Milliseconds()}
	var eventType domain.EventType
	switch final {
	case StatusCompleted:
		eventType = domain.EventTypeWorkflowCompleted
	case StatusFailed:
		eventType = domain.EventTypeWorkflowFailed
		data["error"] = errMsg
		data["failed_nodes"] = result.failed
		data["blocked_nodes"] = result.blocked
	default:
		eventType = domain.EventTypeWorkflowCancelled
	}
	_ = e.deps.Broadcaster.Broadcast(ctx, e.wf.ID, eventType, "", data)

	e.deps.Registry.Unregister(e.wf.ID, e)
	e.deps.Metrics.RecordRunFinished(string(final.runStatus()), elapsed)
	e.deps.Metrics.SetActiveRuns(e.deps.Registry.Count())
	e.logger.Info("workflow run finished",
		zap.String("status", string(final)),
		zap.Duration("duration", elapsed),
		zap.String("error", errMsg))

	return final.runStatus()
}

// teardown releases the sandbox and every registered closer exactly once
func (e *Engine) teardown(ctx context.Context) {
	e.teardownOnce.Do(func() {
		e.mu.Lock()
		name := e.sandboxName
		closers := e.closers
		e.closers = nil
		e.mu.Unlock()

		if name == "" {
			name = domain.SandboxName(e.wf.ID)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				e.logger.Warn("failed to close run resource", zap.Error(err))
			}
		}

		if err := e.deps.Sandboxes.Release(context.WithoutCancel(ctx), name); err != nil {
			e.logger.Warn("failed to release sandbox",
				zap.String("sandbox", name),
				zap.Error(err))
		}
	})
}

func (e *Engine) heartbeat(ctx, storeCtx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tracker.Heartbeat(storeCtx); err != nil {
				e.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
