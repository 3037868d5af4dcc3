package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
)

// InMemoryStateStorage implements ports.StateStore using an in-memory map.
// Snapshots are copied on the way in and out so callers never share state.
type InMemoryStateStorage struct {
	states map[string]*domain.ExecutionState
	mu     sync.RWMutex
}

// NewInMemoryStateStorage creates a new in-memory state storage
func NewInMemoryStateStorage() *InMemoryStateStorage {
	return &InMemoryStateStorage{
		states: make(map[string]*domain.ExecutionState),
	}
}

// SaveState stores a copy of state
func (s *InMemoryStateStorage) SaveState(ctx context.Context, state *domain.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.WorkflowID] = state.Clone()
	return nil
}

// LoadState returns a copy of the stored state or the idle snapshot
func (s *InMemoryStateStorage) LoadState(ctx context.Context, workflowID string) (*domain.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[workflowID]
	if !ok {
		return domain.IdleState(workflowID), nil
	}
	return state.Clone(), nil
}

// DeleteState removes a workflow's state
func (s *InMemoryStateStorage) DeleteState(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, workflowID)
	return nil
}

// ListStates returns copies of all stored states
func (s *InMemoryStateStorage) ListStates(ctx context.Context) ([]*domain.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*domain.ExecutionState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state.Clone())
	}
	return states, nil
}

// InMemoryGraphStore implements ports.GraphStore. Outputs are kept as JSON
// so readers observe the same value shapes as with Redis.
type InMemoryGraphStore struct {
	workflows map[string][]byte
	outputs   map[string]map[string][]byte
	jobs      map[string]string
	mu        sync.RWMutex
}

// NewInMemoryGraphStore creates a new in-memory graph store
func NewInMemoryGraphStore() *InMemoryGraphStore {
	return &InMemoryGraphStore{
		workflows: make(map[string][]byte),
		outputs:   make(map[string]map[string][]byte),
		jobs:      make(map[string]string),
	}
}

// ReadWorkflow returns a copy of the stored descriptor
func (g *InMemoryGraphStore) ReadWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowDescriptor, error) {
	g.mu.RLock()
	data, ok := g.workflows[workflowID]
	g.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
	}

	var wf domain.WorkflowDescriptor
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// SaveWorkflow stores a descriptor
func (g *InMemoryGraphStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowDescriptor) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.workflows[wf.ID] = data
	return nil
}

// WriteNodeOutput stores a node's output
func (g *InMemoryGraphStore) WriteNodeOutput(ctx context.Context, workflowID, nodeID string, output interface{}) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outputs[workflowID] == nil {
		g.outputs[workflowID] = make(map[string][]byte)
	}
	g.outputs[workflowID][nodeID] = data
	return nil
}

// ReadNodeOutput reads a node's output
func (g *InMemoryGraphStore) ReadNodeOutput(ctx context.Context, workflowID, nodeID string) (interface{}, bool, error) {
	g.mu.RLock()
	data, ok := g.outputs[workflowID][nodeID]
	g.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	var output interface{}
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal node output: %w", err)
	}
	return output, true, nil
}

// SetJobID records the job owning the workflow
func (g *InMemoryGraphStore) SetJobID(ctx context.Context, workflowID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[workflowID] = jobID
	return nil
}

// JobID returns the recorded job id
func (g *InMemoryGraphStore) JobID(ctx context.Context, workflowID string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.jobs[workflowID], nil
}

// InMemorySampleStorage implements ports.SampleStore
type InMemorySampleStorage struct {
	samples map[string][]domain.ResourceSample
	mu      sync.RWMutex
}

// NewInMemorySampleStorage creates a new in-memory sample storage
func NewInMemorySampleStorage() *InMemorySampleStorage {
	return &InMemorySampleStorage{
		samples: make(map[string][]domain.ResourceSample),
	}
}

// AppendSample appends a sample
func (s *InMemorySampleStorage) AppendSample(ctx context.Context, workflowID string, sample domain.ResourceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[workflowID] = append(s.samples[workflowID], sample)
	return nil
}

// Samples returns up to limit most recent samples, oldest first
func (s *InMemorySampleStorage) Samples(ctx context.Context, workflowID string, limit int) ([]domain.ResourceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.samples[workflowID]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]domain.ResourceSample{}, series...), nil
}

// ClearSamples removes the series
func (s *InMemorySampleStorage) ClearSamples(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, workflowID)
	return nil
}
