package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
)

// Shutdowner is a run that can be cancelled in-process
type Shutdowner interface {
	ForceShutdown(ctx context.Context) error
}

// Registry maps workflow ids to the runs this process owns. It is only a
// shortcut for direct cancellation; state reads always go to the shared
// store.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Shutdowner
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Shutdowner)}
}

// Register claims workflowID for run. It fails with
// domain.ErrAlreadyRunning if another run holds it.
func (r *Registry) Register(workflowID string, run Shutdowner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[workflowID]; ok && existing != run {
		return domain.ErrAlreadyRunning
	}
	r.entries[workflowID] = run
	return nil
}

// Unregister releases workflowID if run still holds it
func (r *Registry) Unregister(workflowID string, run Shutdowner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[workflowID]; ok && existing == run {
		delete(r.entries, workflowID)
	}
}

// Get returns the in-process run of workflowID
func (r *Registry) Get(workflowID string) (Shutdowner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.entries[workflowID]
	return run, ok
}

// Owns reports whether this process runs workflowID
func (r *Registry) Owns(workflowID string) bool {
	_, ok := r.Get(workflowID)
	return ok
}

// Count returns the number of registered runs
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the registered workflow ids, sorted
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// ShutdownAll force-stops every registered run
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	runs := make([]Shutdowner, 0, len(r.entries))
	for _, run := range r.entries {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		_ = run.ForceShutdown(ctx)
	}
}
