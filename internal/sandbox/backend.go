package sandbox

import (
	"context"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Backend serves full runs and on-demand execution from command-addressable
// sandboxes. A full run gets the sandbox named after the workflow, the
// on-demand path gets the "-dev" one.
type Backend struct {
	manager *Manager
}

// NewBackend creates a sandbox backend over m
func NewBackend(m *Manager) *Backend {
	return &Backend{manager: m}
}

// Acquire ensures the run sandbox of wf
func (b *Backend) Acquire(ctx context.Context, wf *domain.WorkflowDescriptor) (*ports.Lease, error) {
	return b.acquire(ctx, wf, domain.SandboxName(wf.ID))
}

// AcquireDev ensures the persistent on-demand sandbox of wf
func (b *Backend) AcquireDev(ctx context.Context, wf *domain.WorkflowDescriptor) (*ports.Lease, error) {
	return b.acquire(ctx, wf, domain.DevSandboxName(wf.ID))
}

// Release tears the named sandbox down
func (b *Backend) Release(ctx context.Context, name string) error {
	return b.manager.Teardown(ctx, name)
}

func (b *Backend) acquire(ctx context.Context, wf *domain.WorkflowDescriptor, name string) (*ports.Lease, error) {
	handle, err := b.manager.EnsurePersistent(ctx, wf, name)
	if err != nil {
		return nil, err
	}
	return &ports.Lease{Name: handle.Name, Invoker: b.manager.Invoker(handle)}, nil
}
