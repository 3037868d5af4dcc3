package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StateStorage implements ports.StateStore using Redis
type StateStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStateStorage creates a new Redis state storage
func NewStateStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StateStorage {
	return &StateStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveState mirrors an execution state snapshot into Redis
func (s *StateStorage) SaveState(ctx context.Context, state *domain.ExecutionState) error {
	key := getStateKey(state.WorkflowID)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.logger.Debug("state saved",
		zap.String("workflow_id", state.WorkflowID),
		zap.String("status", string(state.Status)),
		zap.Int("completed_count", state.CompletedCount))

	return nil
}

// LoadState retrieves the execution state of a workflow. A workflow with
// no recorded state yields the canonical idle snapshot.
func (s *StateStorage) LoadState(ctx context.Context, workflowID string) (*domain.ExecutionState, error) {
	data, err := s.client.Get(ctx, getStateKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.IdleState(workflowID), nil
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	var state domain.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	state.Normalize()

	return &state, nil
}

// DeleteState deletes the execution state of a workflow
func (s *StateStorage) DeleteState(ctx context.Context, workflowID string) error {
	if err := s.client.Del(ctx, getStateKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}

	s.logger.Debug("state deleted",
		zap.String("workflow_id", workflowID))

	return nil
}

// ListStates lists all recorded execution states
func (s *StateStorage) ListStates(ctx context.Context) ([]*domain.ExecutionState, error) {
	keys, err := scanKeys(ctx, s.client, "dagrun:state:*")
	if err != nil {
		return nil, err
	}

	states := make([]*domain.ExecutionState, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var state domain.ExecutionState
		if err := json.Unmarshal(data, &state); err != nil {
			s.logger.Warn("skipping unreadable state",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		state.Normalize()

		states = append(states, &state)
	}

	return states, nil
}

// scanKeys collects every key matching pattern
func scanKeys(ctx context.Context, client *redis.Client, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// getStateKey returns the Redis key for a workflow execution state
func getStateKey(workflowID string) string {
	return fmt.Sprintf("dagrun:state:%s", workflowID)
}
