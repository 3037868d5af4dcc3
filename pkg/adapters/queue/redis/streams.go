package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	jobStream = "dagrun:jobs"

	// maxStatusRetries bounds optimistic retries of a job status write
	maxStatusRetries = 16
)

// StreamsJobQueue implements ports.JobQueue using Redis Streams
type StreamsJobQueue struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	ttl           time.Duration
}

// NewStreamsJobQueue creates a new Redis Streams job queue
func NewStreamsJobQueue(client *redis.Client, consumerGroup string, ttl time.Duration, logger *zap.Logger) *StreamsJobQueue {
	return &StreamsJobQueue{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		ttl:           ttl,
	}
}

// Enqueue stores the job record and appends it to the stream
func (q *StreamsJobQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: jobStream,
		Values: map[string]interface{}{
			"job_id": job.ID,
		},
	}

	if _, err := q.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("workflow_id", job.WorkflowID))

	return nil
}

// Consume reads jobs from the stream as consumer until ctx is done
func (q *StreamsJobQueue) Consume(ctx context.Context, consumer string, handler ports.JobHandler) error {
	// Create consumer group if it doesn't exist
	err := q.client.XGroupCreateMkStream(ctx, jobStream, q.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	q.logger.Info("consuming job stream",
		zap.String("stream", jobStream),
		zap.String("consumer_group", q.consumerGroup),
		zap.String("consumer", consumer))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.consumerGroup,
			Consumer: consumer,
			Streams:  []string{jobStream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("failed to read from stream",
				zap.String("stream", jobStream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				q.processMessage(ctx, message, handler)
			}
		}
	}
}

// processMessage hands one stream message to the handler and acknowledges it
func (q *StreamsJobQueue) processMessage(ctx context.Context, message redis.XMessage, handler ports.JobHandler) {
	// The message is acknowledged whatever the handler returns: a job runs
	// at most once and its outcome lives in the job record.
	defer func() {
		if err := q.client.XAck(context.Background(), jobStream, q.consumerGroup, message.ID).Err(); err != nil {
			q.logger.Error("failed to acknowledge message",
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}()

	jobID, ok := message.Values["job_id"].(string)
	if !ok {
		q.logger.Error("invalid message format",
			zap.String("stream", jobStream),
			zap.String("message_id", message.ID))
		return
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.logger.Error("failed to load job",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, job); err != nil {
		q.logger.Error("handler error",
			zap.String("job_id", jobID),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// GetJob loads a job record
func (q *StreamsJobQueue) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	data, err := q.client.Get(ctx, getJobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// UpdateStatus records a job status transition. A revoked job keeps its
// status: a late worker update never resurrects it. The read and the write
// run under WATCH so a concurrent revocation is never overwritten.
func (q *StreamsJobQueue) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	key := getJobKey(jobID)

	transition := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to get job: %w", err)
		}

		var job domain.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if job.Status == domain.JobStatusRevoked && status != domain.JobStatusRevoked {
			return nil
		}

		job.Status = status
		job.Error = errMsg
		job.UpdatedAt = time.Now()
		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, q.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		err := q.client.Watch(ctx, transition, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return nil
	}

	return fmt.Errorf("job %s: status update to %s kept conflicting", jobID, status)
}

// Close releases queue resources. The Redis client is closed by the caller.
func (q *StreamsJobQueue) Close() error {
	return nil
}

func (q *StreamsJobQueue) saveJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.Set(ctx, getJobKey(job.ID), data, q.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// getJobKey returns the Redis key for a job record
func getJobKey(jobID string) string {
	return fmt.Sprintf("dagrun:job:%s", jobID)
}
