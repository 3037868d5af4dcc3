// Package reconciler settles runs whose owning process died. A running
// state whose heartbeat stopped advancing is marked failed, announced to
// observers and its sandbox is removed.
package reconciler

import (
	"context"
	"time"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/engine"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// OrphanedError is recorded on runs settled by the reconciler
const OrphanedError = "orphaned: owner heartbeat lost"

// SandboxKiller force-removes a sandbox by name
type SandboxKiller interface {
	Teardown(ctx context.Context, name string) error
}

// Reconciler periodically fails orphaned runs
type Reconciler struct {
	states      ports.StateStore
	registry    *engine.Registry
	sandboxes   SandboxKiller
	broadcaster *broadcast.Broadcaster
	interval    time.Duration
	staleAfter  time.Duration
	logger      *zap.Logger

	now func() time.Time
}

// New creates a reconciler. sandboxes may be nil.
func New(
	states ports.StateStore,
	registry *engine.Registry,
	sandboxes SandboxKiller,
	broadcaster *broadcast.Broadcaster,
	interval, staleAfter time.Duration,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		states:      states,
		registry:    registry,
		sandboxes:   sandboxes,
		broadcaster: broadcaster,
		interval:    interval,
		staleAfter:  staleAfter,
		logger:      logger,
		now:         time.Now,
	}
}

// Run reconciles every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("stale_after", r.staleAfter))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce settles every stale run not owned by this process and
// returns their workflow ids
func (r *Reconciler) ReconcileOnce(ctx context.Context) ([]string, error) {
	states, err := r.states.ListStates(ctx)
	if err != nil {
		return nil, err
	}

	var settled []string
	for _, state := range states {
		if !r.stale(state) || r.registry.Owns(state.WorkflowID) {
			continue
		}
		if r.settle(ctx, state) {
			settled = append(settled, state.WorkflowID)
		}
	}
	return settled, nil
}

// stale reports whether a running state's last sign of life is older than
// staleAfter. A running state that never beat is judged by its start.
func (r *Reconciler) stale(state *domain.ExecutionState) bool {
	if state.Status != domain.RunStatusRunning {
		return false
	}
	last := state.HeartbeatAt
	if last == nil {
		last = state.StartedAt
	}
	if last == nil {
		return true
	}
	return r.now().Sub(*last) > r.staleAfter
}

func (r *Reconciler) settle(ctx context.Context, state *domain.ExecutionState) bool {
	log := r.logger.With(zap.String("workflow_id", state.WorkflowID))

	// Re-read so a run that beat since the listing is left alone.
	current, err := r.states.LoadState(ctx, state.WorkflowID)
	if err != nil {
		log.Warn("failed to reload state", zap.Error(err))
		return false
	}
	if !r.stale(current) {
		return false
	}

	now := r.now().UTC()
	current.Status = domain.RunStatusFailed
	current.Error = OrphanedError
	current.FinishedAt = &now
	current.ExecutingNodes = map[string]time.Time{}
	if err := r.states.SaveState(ctx, current); err != nil {
		log.Error("failed to persist orphaned state", zap.Error(err))
		return false
	}

	if err := r.broadcaster.Broadcast(ctx, state.WorkflowID, domain.EventTypeWorkflowFailed, "", map[string]interface{}{
		"error": OrphanedError,
	}); err != nil {
		log.Warn("failed to broadcast orphaned run", zap.Error(err))
	}

	if r.sandboxes != nil {
		if err := r.sandboxes.Teardown(ctx, domain.SandboxName(state.WorkflowID)); err != nil {
			log.Warn("failed to remove orphaned sandbox", zap.Error(err))
		}
	}

	log.Warn("orphaned run marked failed")
	return true
}
