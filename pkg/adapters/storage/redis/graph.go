package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// GraphStore implements ports.GraphStore using Redis. Workflow records are
// hashes holding the descriptor and the current job id; node outputs live
// in a per-workflow hash.
type GraphStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewGraphStore creates a new Redis graph store
func NewGraphStore(client *redis.Client, logger *zap.Logger) *GraphStore {
	return &GraphStore{
		client: client,
		logger: logger,
	}
}

// ReadWorkflow loads a workflow descriptor
func (g *GraphStore) ReadWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowDescriptor, error) {
	data, err := g.client.HGet(ctx, getWorkflowKey(workflowID), "descriptor").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	var wf domain.WorkflowDescriptor
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}

	return &wf, nil
}

// SaveWorkflow stores a workflow descriptor
func (g *GraphStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowDescriptor) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	if err := g.client.HSet(ctx, getWorkflowKey(wf.ID), "descriptor", data).Err(); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// WriteNodeOutput persists the output of a node. The write is complete when
// the call returns, so a dependent dispatch issued afterwards reads it.
func (g *GraphStore) WriteNodeOutput(ctx context.Context, workflowID, nodeID string, output interface{}) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	if err := g.client.HSet(ctx, getOutputsKey(workflowID), nodeID, data).Err(); err != nil {
		return fmt.Errorf("failed to write node output: %w", err)
	}

	g.logger.Debug("node output written",
		zap.String("workflow_id", workflowID),
		zap.String("node_id", nodeID),
		zap.Int("bytes", len(data)))

	return nil
}

// ReadNodeOutput reads the recorded output of a node
func (g *GraphStore) ReadNodeOutput(ctx context.Context, workflowID, nodeID string) (interface{}, bool, error) {
	data, err := g.client.HGet(ctx, getOutputsKey(workflowID), nodeID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read node output: %w", err)
	}

	var output interface{}
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal node output: %w", err)
	}

	return output, true, nil
}

// SetJobID records the background job currently owning the workflow
func (g *GraphStore) SetJobID(ctx context.Context, workflowID, jobID string) error {
	if err := g.client.HSet(ctx, getWorkflowKey(workflowID), "job_id", jobID).Err(); err != nil {
		return fmt.Errorf("failed to set job id: %w", err)
	}
	return nil
}

// JobID returns the recorded job id, or "" if none
func (g *GraphStore) JobID(ctx context.Context, workflowID string) (string, error) {
	jobID, err := g.client.HGet(ctx, getWorkflowKey(workflowID), "job_id").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get job id: %w", err)
	}
	return jobID, nil
}

func getWorkflowKey(workflowID string) string {
	return fmt.Sprintf("dagrun:workflow:%s", workflowID)
}

func getOutputsKey(workflowID string) string {
	return fmt.Sprintf("dagrun:outputs:%s", workflowID)
}
