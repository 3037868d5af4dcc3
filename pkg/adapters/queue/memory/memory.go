package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// InMemoryJobQueue implements ports.JobQueue with a buffered channel.
// This is for testing and single-process use.
type InMemoryJobQueue struct {
	jobs    map[string]*domain.Job
	pending chan string
	mu      sync.RWMutex
	closed  bool
}

// NewInMemoryJobQueue creates a new in-memory job queue
func NewInMemoryJobQueue(capacity int) *InMemoryJobQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryJobQueue{
		jobs:    make(map[string]*domain.Job),
		pending: make(chan string, capacity),
	}
}

// Enqueue records and queues a job
func (q *InMemoryJobQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.pending <- job.ID:
	default:
		return fmt.Errorf("queue full")
	}

	stored := *job
	q.jobs[job.ID] = &stored
	return nil
}

// Consume delivers queued jobs to handler until ctx is done
func (q *InMemoryJobQueue) Consume(ctx context.Context, consumer string, handler ports.JobHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case jobID, ok := <-q.pending:
			if !ok {
				return nil
			}
			job, err := q.GetJob(ctx, jobID)
			if err != nil {
				continue
			}
			_ = handler(ctx, job)
		}
	}
}

// GetJob returns a copy of a job record
func (q *InMemoryJobQueue) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	out := *job
	return &out, nil
}

// UpdateStatus records a status transition. Revoked is final.
func (q *InMemoryJobQueue) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if job.Status == domain.JobStatusRevoked && status != domain.JobStatusRevoked {
		return nil
	}
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = time.Now()
	return nil
}

// Close stops accepting jobs
func (q *InMemoryJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.pending)
	}
	return nil
}
