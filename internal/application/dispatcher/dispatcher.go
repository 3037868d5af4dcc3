// Package dispatcher executes single nodes: it assembles the input from
// direct predecessors, invokes the sandbox and persists the output.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aescanero/dagrun/internal/application/resolver"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// Dispatcher is bound to one workflow snapshot and one invoker
type Dispatcher struct {
	wf       *domain.WorkflowDescriptor
	resolver *resolver.Resolver
	graph    ports.GraphStore
	invoker  ports.Invoker
	logger   *zap.Logger
}

// New creates a dispatcher for wf
func New(wf *domain.WorkflowDescriptor, res *resolver.Resolver, graph ports.GraphStore, invoker ports.Invoker, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		wf:       wf,
		resolver: res,
		graph:    graph,
		invoker:  invoker,
		logger:   logger,
	}
}

// ExecuteNode runs nodeID. Its input is keyed by predecessor id, never
// merged. On success the output is written to the graph store before
// returning; on failure nothing is written. Errors are *domain.DispatchError
// unless the graph store itself failed.
func (d *Dispatcher) ExecuteNode(ctx context.Context, nodeID string) (interface{}, error) {
	if _, ok := d.wf.Node(nodeID); !ok {
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindNode, Reason: "unknown node"}
	}

	missing, err := d.resolver.ValidateDependencyChain(ctx, d.graph, nodeID)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &domain.DispatchError{
			NodeID: nodeID,
			Kind:   domain.DispatchKindDependency,
			Reason: "missing output of " + strings.Join(missing, ", "),
		}
	}

	payload, err := d.buildPayload(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("dispatching node",
		zap.String("workflow_id", d.wf.ID),
		zap.String("node_id", nodeID),
		zap.Int("inputs", len(payload)))

	output, err := d.invoker.Invoke(ctx, nodeID, payload)
	if err != nil {
		var de *domain.DispatchError
		if errors.As(err, &de) || domain.IsInfrastructure(err) {
			return nil, err
		}
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindNode, Err: err}
	}

	if err := d.graph.WriteNodeOutput(ctx, d.wf.ID, nodeID, output); err != nil {
		return nil, fmt.Errorf("failed to persist output of %s: %w", nodeID, err)
	}

	return output, nil
}

func (d *Dispatcher) buildPayload(ctx context.Context, nodeID string) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	for _, pred := range d.resolver.DirectPredecessors(nodeID) {
		output, _, err := d.graph.ReadNodeOutput(ctx, d.wf.ID, pred)
		if err != nil {
			return nil, fmt.Errorf("failed to read output of %s: %w", pred, err)
		}
		payload[pred] = output
	}
	return payload, nil
}
