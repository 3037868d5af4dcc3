package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/internal/application/resolver"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// DevSandboxProvider leases the persistent per-workflow sandbox used for
// on-demand execution.
type DevSandboxProvider interface {
	AcquireDev(ctx context.Context, wf *domain.WorkflowDescriptor) (*ports.Lease, error)
}

// Service executes a single node on demand, outside of a full run
type Service struct {
	graph     ports.GraphStore
	sandboxes DevSandboxProvider
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewService creates an on-demand execution service
func NewService(graph ports.GraphStore, sandboxes DevSandboxProvider, metrics ports.MetricsCollector, logger *zap.Logger) *Service {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Service{
		graph:     graph,
		sandboxes: sandboxes,
		metrics:   metrics,
		logger:    logger,
	}
}

// ExecuteNode runs one node of a stored workflow in its dev sandbox. A node
// failure is reported in the result; the error is reserved for lookup and
// sandbox failures.
func (s *Service) ExecuteNode(ctx context.Context, workflowID, nodeID string) (*domain.NodeResult, error) {
	wf, err := s.graph.ReadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, ok := wf.Node(nodeID); !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}

	lease, err := s.sandboxes.AcquireDev(ctx, wf)
	if err != nil {
		return nil, err
	}

	d := New(wf, resolver.New(wf), s.graph, lease.Invoker, s.logger)

	start := time.Now()
	output, err := d.ExecuteNode(ctx, nodeID)
	elapsed := time.Since(start)

	result := &domain.NodeResult{NodeID: nodeID, DurationMS: elapsed.Milliseconds()}
	if err != nil {
		var de *domain.DispatchError
		if !errors.As(err, &de) {
			return nil, err
		}
		s.metrics.RecordNodeExecuted(domain.NodeStatusError, elapsed)
		s.logger.Info("on-demand node failed",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", nodeID),
			zap.Error(err))
		result.Status = domain.NodeStatusError
		result.Error = err.Error()
		return result, nil
	}

	s.metrics.RecordNodeExecuted(domain.NodeStatusSuccess, elapsed)
	result.Status = domain.NodeStatusSuccess
	result.Result = output
	return result, nil
}
