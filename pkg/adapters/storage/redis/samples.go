package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SampleStorage implements ports.SampleStore as a Redis list per workflow
type SampleStorage struct {
	client     *redis.Client
	logger     *zap.Logger
	ttl        time.Duration
	maxSamples int64
}

// NewSampleStorage creates a new Redis sample storage. maxSamples bounds
// each series; zero keeps everything.
func NewSampleStorage(client *redis.Client, ttl time.Duration, maxSamples int, logger *zap.Logger) *SampleStorage {
	return &SampleStorage{
		client:     client,
		logger:     logger,
		ttl:        ttl,
		maxSamples: int64(maxSamples),
	}
}

// AppendSample appends a sample to the workflow's series
func (s *SampleStorage) AppendSample(ctx context.Context, workflowID string, sample domain.ResourceSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := getSamplesKey(workflowID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.maxSamples > 0 {
		pipe.LTrim(ctx, key, -s.maxSamples, -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}

	return nil
}

// Samples returns the most recent samples, oldest first. limit <= 0
// returns the whole series.
func (s *SampleStorage) Samples(ctx context.Context, workflowID string, limit int) ([]domain.ResourceSample, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	raw, err := s.client.LRange(ctx, getSamplesKey(workflowID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}

	samples := make([]domain.ResourceSample, 0, len(raw))
	for _, item := range raw {
		var sample domain.ResourceSample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			s.logger.Warn("skipping unreadable sample",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
			continue
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// ClearSamples removes the workflow's series
func (s *SampleStorage) ClearSamples(ctx context.Context, workflowID string) error {
	if err := s.client.Del(ctx, getSamplesKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("failed to clear samples: %w", err)
	}
	return nil
}

func getSamplesKey(workflowID string) string {
	return fmt.Sprintf("dagrun:resources:%s", workflowID)
}
