package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *StreamsJobQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStreamsJobQueue(client, "dagrun-workers", time.Hour, zap.NewNop())
}

func TestStreamsJobQueue_EnqueueConsume(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := &domain.Job{ID: "job-1", WorkflowID: "wf-1", Status: domain.JobStatusPending, EnqueuedAt: time.Now()}
	require.NoError(t, q.Enqueue(ctx, job))

	got := make(chan *domain.Job, 1)
	go func() {
		_ = q.Consume(ctx, "worker-0", func(ctx context.Context, j *domain.Job) error {
			got <- j
			return nil
		})
	}()

	select {
	case j := <-got:
		assert.Equal(t, "job-1", j.ID)
		assert.Equal(t, "wf-1", j.WorkflowID)
		assert.Equal(t, domain.JobStatusPending, j.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job")
	}
}

func TestStreamsJobQueue_UpdateStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &domain.Job{ID: "job-1", WorkflowID: "wf-1", Status: domain.JobStatusPending}))
	require.NoError(t, q.UpdateStatus(ctx, "job-1", domain.JobStatusInProgress, ""))

	job, err := q.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, job.Status)
	assert.True(t, job.Status.IsActive())
}

func TestStreamsJobQueue_RevokedIsSticky(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &domain.Job{ID: "job-1", WorkflowID: "wf-1", Status: domain.JobStatusPending}))
	require.NoError(t, q.UpdateStatus(ctx, "job-1", domain.JobStatusRevoked, "stopped"))
	require.NoError(t, q.UpdateStatus(ctx, "job-1", domain.JobStatusSucceeded, ""))

	job, err := q.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRevoked, job.Status)
}

func TestStreamsJobQueue_RevokedSurvivesConcurrentWorkerUpdate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		require.NoError(t, q.Enqueue(ctx, &domain.Job{ID: jobID, WorkflowID: "wf-1", Status: domain.JobStatusStarted}))

		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, status := range []domain.JobStatus{domain.JobStatusInProgress, domain.JobStatusRevoked} {
			wg.Add(1)
			go func(status domain.JobStatus) {
				defer wg.Done()
				<-start
				errs <- q.UpdateStatus(ctx, jobID, status, "")
			}(status)
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		job, err := q.GetJob(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, domain.JobStatusRevoked, job.Status, "job %s lost its revocation", jobID)
	}
}

func TestStreamsJobQueue_UpdateStatusNotFound(t *testing.T) {
	q := newTestQueue(t)
	err := q.UpdateStatus(context.Background(), "nope", domain.JobStatusStarted, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStreamsJobQueue_GetJobNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
