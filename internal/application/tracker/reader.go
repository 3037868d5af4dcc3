package tracker

import (
	"context"
	"fmt"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Reader answers state queries from the shared store. Any process can use
// it; it never consults an in-process engine.
type Reader struct {
	store ports.StateStore
}

// NewReader creates a shared state reader
func NewReader(store ports.StateStore) *Reader {
	return &Reader{store: store}
}

// GetFullState returns the latest snapshot, or the canonical idle snapshot
// for a workflow that never ran.
func (r *Reader) GetFullState(ctx context.Context, workflowID string) (*domain.ExecutionState, error) {
	state, err := r.store.LoadState(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", workflowID, err)
	}
	if state == nil {
		return domain.IdleState(workflowID), nil
	}
	state.Normalize()
	return state, nil
}

// IsRunning reports whether the shared store records a running state
func (r *Reader) IsRunning(ctx context.Context, workflowID string) (bool, error) {
	state, err := r.GetFullState(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return state.Status == domain.RunStatusRunning, nil
}
