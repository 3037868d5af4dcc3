// Package tracker owns the live execution state of one run and mirrors it
// into the shared state store after every mutation.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// Tracker is the sole write path for a workflow's execution state during a
// run. Every method persists before it returns, so the shared store is
// never behind an event broadcast after the call.
type Tracker struct {
	mu     sync.Mutex
	state  *domain.ExecutionState
	store  ports.StateStore
	logger *zap.Logger
	now    func() time.Time
}

// New creates a tracker holding an idle state for workflowID
func New(workflowID string, store ports.StateStore, logger *zap.Logger) *Tracker {
	return &Tracker{
		state:  domain.IdleState(workflowID),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Start resets the state to a fresh running snapshot
func (t *Tracker) Start(ctx context.Context) (*domain.ExecutionState, error) {
	return t.mutate(ctx, func(s *domain.ExecutionState) {
		now := t.now()
		fresh := domain.IdleState(s.WorkflowID)
		fresh.Status = domain.RunStatusRunning
		fresh.StartedAt = &now
		fresh.HeartbeatAt = &now
		*s = *fresh
	})
}

// MarkExecuting records that nodeID started at the given time
func (t *Tracker) MarkExecuting(ctx context.Context, nodeID string, at time.Time) (*domain.ExecutionState, error) {
	return t.mutate(ctx, func(s *domain.ExecutionState) {
		s.ExecutingNodes[nodeID] = at
	})
}

// MarkCompleted moves nodeID from executing to completed. Completion order
// is insertion order.
func (t *Tracker) MarkCompleted(ctx context.Context, nodeID string) (*domain.ExecutionState, error) {
	return t.mutate(ctx, func(s *domain.ExecutionState) {
		delete(s.ExecutingNodes, nodeID)
		for _, id := range s.CompletedNodes {
			if id == nodeID {
				return
			}
		}
		s.CompletedNodes = append(s.CompletedNodes, nodeID)
		s.CompletedCount = len(s.CompletedNodes)
	})
}

// MarkFailed records a failed node and the descendants it blocks
func (t *Tracker) MarkFailed(ctx context.Context, nodeID string, blocked []string) (*domain.ExecutionState, error) {
	return t.mutate(ctx, func(s *domain.ExecutionState) {
		delete(s.ExecutingNodes, nodeID)
		s.FailedNodes = append(s.FailedNodes, nodeID)
		s.BlockedNodes = append(s.BlockedNodes, blocked...)
	})
}

// Heartbeat refreshes the liveness timestamp of a running state
func (t *Tracker) Heartbeat(ctx context.Context) error {
	_, err := t.mutate(ctx, func(s *domain.ExecutionState) {
		if s.Status != domain.RunStatusRunning {
			return
		}
		now := t.now()
		s.HeartbeatAt = &now
	})
	return err
}

// Finish records a terminal status. The first terminal status wins; later
// calls return the already-final snapshot without persisting.
func (t *Tracker) Finish(ctx context.Context, status domain.RunStatus, errMsg string) (*domain.ExecutionState, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}

	t.mu.Lock()
	if t.state.Status.IsTerminal() {
		snapshot := t.state.Clone()
		t.mu.Unlock()
		return snapshot, nil
	}
	t.mu.Unlock()

	return t.mutate(ctx, func(s *domain.ExecutionState) {
		now := t.now()
		s.Status = status
		s.Error = errMsg
		s.FinishedAt = &now
		s.ExecutingNodes = map[string]time.Time{}
	})
}

// Snapshot returns a copy of the in-process state
func (t *Tracker) Snapshot() *domain.ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// mutate applies fn and persists the result while holding the lock, so
// store writes happen in mutation order.
func (t *Tracker) mutate(ctx context.Context, fn func(s *domain.ExecutionState)) (*domain.ExecutionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(t.state)
	snapshot := t.state.Clone()

	if err := t.store.SaveState(ctx, snapshot); err != nil {
		t.logger.Warn("failed to mirror execution state",
			zap.String("workflow_id", snapshot.WorkflowID),
			zap.Error(err))
		return snapshot, fmt.Errorf("failed to save state: %w", err)
	}

	return snapshot, nil
}
