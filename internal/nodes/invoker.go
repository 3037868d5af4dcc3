package nodes

import (
	"context"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// LocalInvoker executes nodes of one workflow in the current process
type LocalInvoker struct {
	wf       *domain.WorkflowDescriptor
	registry *Registry
	logger   *zap.Logger
}

// NewLocalInvoker creates an in-process invoker for wf
func NewLocalInvoker(wf *domain.WorkflowDescriptor, registry *Registry, logger *zap.Logger) *LocalInvoker {
	return &LocalInvoker{wf: wf, registry: registry, logger: logger}
}

// Invoke runs nodeID with the given predecessor outputs. Failures are
// node-scoped dispatch errors.
func (l *LocalInvoker) Invoke(ctx context.Context, nodeID string, payload map[string]interface{}) (interface{}, error) {
	desc, ok := l.wf.Node(nodeID)
	if !ok {
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindNode, Reason: "unknown node"}
	}

	node, err := l.registry.Lookup(desc.Type)
	if err != nil {
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindNode, Err: err}
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}

	start := time.Now()
	output, err := node.Execute(ctx, Input{WorkflowID: l.wf.ID, Node: desc, Payload: payload})
	if err != nil {
		l.logger.Info("node execution failed",
			zap.String("workflow_id", l.wf.ID),
			zap.String("node_id", nodeID),
			zap.String("node_type", desc.Type),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindNode, Err: err}
	}

	l.logger.Debug("node executed",
		zap.String("workflow_id", l.wf.ID),
		zap.String("node_id", nodeID),
		zap.Duration("duration", time.Since(start)))

	return output, nil
}

// LocalBackend serves a run from the current process. It is used inside an
// ephemeral sandbox, where the run already is isolated.
type LocalBackend struct {
	registry *Registry
	logger   *zap.Logger
}

// NewLocalBackend creates an in-process sandbox backend
func NewLocalBackend(registry *Registry, logger *zap.Logger) *LocalBackend {
	return &LocalBackend{registry: registry, logger: logger}
}

// Acquire returns a lease over a local invoker
func (b *LocalBackend) Acquire(ctx context.Context, wf *domain.WorkflowDescriptor) (*ports.Lease, error) {
	return &ports.Lease{
		Name:    domain.SandboxName(wf.ID),
		Invoker: NewLocalInvoker(wf, b.registry, b.logger),
	}, nil
}

// Release has nothing to free
func (b *LocalBackend) Release(ctx context.Context, name string) error {
	return nil
}
