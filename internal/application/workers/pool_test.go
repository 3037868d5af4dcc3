package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/engine"
	"github.com/aescanero/dagrun/internal/nodes"
	events "github.com/aescanero/dagrun/pkg/adapters/events/memory"
	queue "github.com/aescanero/dagrun/pkg/adapters/queue/memory"
	storage "github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingRunner struct {
	calls atomic.Int32
}

func (b *blockingRunner) Run(ctx context.Context, job *domain.Job, onStart func()) (domain.RunStatus, error) {
	b.calls.Add(1)
	onStart()
	<-ctx.Done()
	return domain.RunStatusCancelled, nil
}

type errRunner struct{}

func (errRunner) Run(ctx context.Context, job *domain.Job, onStart func()) (domain.RunStatus, error) {
	return domain.RunStatusFailed, errors.New("sandbox image missing")
}

func newQueueAndBroker(t *testing.T) (*queue.InMemoryJobQueue, *events.InMemoryBroker) {
	t.Helper()
	q := queue.NewInMemoryJobQueue(16)
	b := events.NewInMemoryBroker(16, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return q, b
}

func startPool(t *testing.T, q *queue.InMemoryJobQueue, b *events.InMemoryBroker, runner Runner) *Pool {
	t.Helper()
	p := NewPool(2, q, b, runner, time.Minute, nil, zap.NewNop(), time.Hour)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func enqueue(t *testing.T, q *queue.InMemoryJobQueue, id, workflowID string, status domain.JobStatus) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), &domain.Job{ID: id, WorkflowID: workflowID, Status: status}))
}

func jobStatus(q *queue.InMemoryJobQueue, id string) domain.JobStatus {
	job, err := q.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func TestPool_RunsJobWithEngine(t *testing.T) {
	q, b := newQueueAndBroker(t)
	graph := storage.NewInMemoryGraphStore()
	states := storage.NewInMemoryStateStorage()
	ctx := context.Background()

	require.NoError(t, graph.SaveWorkflow(ctx, &domain.WorkflowDescriptor{
		ID: "wf-1",
		Nodes: []domain.NodeDescriptor{
			{ID: "A", Type: "start", FormValues: map[string]interface{}{"data": map[string]interface{}{"x": 1.0}}},
			{ID: "B", Type: "passthrough"},
			{ID: "C", Type: "end"},
		},
		Edges: []domain.EdgeDescriptor{
			{SourceNodeID: "A", TargetNodeID: "B"},
			{SourceNodeID: "B", TargetNodeID: "C"},
		},
	}))

	runner := NewEngineRunner(engine.Dependencies{
		Graph:       graph,
		States:      states,
		Sandboxes:   nodes.NewLocalBackend(nodes.NewRegistry(nodes.Deps{}), zap.NewNop()),
		Broadcaster: broadcast.New(b, nil, zap.NewNop()),
		Registry:    engine.NewRegistry(),
		Logger:      zap.NewNop(),
	}, engine.Config{MaxParallel: 2})

	startPool(t, q, b, runner)
	enqueue(t, q, "job-1", "wf-1", domain.JobStatusPending)

	require.Eventually(t, func() bool {
		return jobStatus(q, "job-1") == domain.JobStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	state, err := states.LoadState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, state.Status)
	assert.Equal(t, []string{"A", "B", "C"}, state.CompletedNodes)

	out, ok, err := graph.ReadNodeOutput(ctx, "wf-1", "B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": 1.0}, out)
}

func TestPool_SkipsRevokedJob(t *testing.T) {
	q, b := newQueueAndBroker(t)
	runner := &blockingRunner{}
	startPool(t, q, b, runner)

	enqueue(t, q, "job-1", "wf-1", domain.JobStatusRevoked)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runner.calls.Load())
	assert.Equal(t, domain.JobStatusRevoked, jobStatus(q, "job-1"))
}

func TestPool_JobRevokedAfterDequeueIsSkippedAndAcked(t *testing.T) {
	q, b := newQueueAndBroker(t)
	runner := &blockingRunner{}
	p := NewPool(1, q, b, runner, time.Minute, nil, zap.NewNop(), time.Hour)
	ctx := context.Background()

	// the worker holds the copy it dequeued before the stop landed
	dequeued := &domain.Job{ID: "job-1", WorkflowID: "wf-1", Status: domain.JobStatusPending}
	require.NoError(t, q.Enqueue(ctx, dequeued))
	require.NoError(t, q.UpdateStatus(ctx, "job-1", domain.JobStatusRevoked, "stopped by request"))

	acks, err := b.Subscribe(ctx, domain.JobAckTopic("job-1"))
	require.NoError(t, err)
	defer acks.Close()

	w := &worker{id: "worker-0", pool: p, status: WorkerStatusIdle}
	stale := *dequeued
	require.NoError(t, w.handleJob(ctx, &stale))

	assert.Equal(t, int32(0), runner.calls.Load())
	assert.Equal(t, domain.JobStatusRevoked, jobStatus(q, "job-1"))
	assert.Equal(t, 0, p.ActiveJobs())

	select {
	case msg := <-acks.C():
		var ack domain.CancelAck
		require.NoError(t, json.Unmarshal(msg.Payload, &ack))
		assert.Equal(t, "job-1", ack.JobID)
	case <-time.After(time.Second):
		t.Fatal("skipped job was not acknowledged")
	}
}

func TestPool_RunnerErrorFailsJob(t *testing.T) {
	q, b := newQueueAndBroker(t)
	startPool(t, q, b, errRunner{})

	enqueue(t, q, "job-1", "wf-1", domain.JobStatusPending)

	require.Eventually(t, func() bool {
		return jobStatus(q, "job-1") == domain.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, err := q.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "sandbox image missing", job.Error)
}

func TestPool_CancelRequestStopsJobAndAcks(t *testing.T) {
	q, b := newQueueAndBroker(t)
	runner := &blockingRunner{}
	p := startPool(t, q, b, runner)
	ctx := context.Background()

	enqueue(t, q, "job-1", "wf-1", domain.JobStatusPending)
	require.Eventually(t, func() bool {
		return jobStatus(q, "job-1") == domain.JobStatusInProgress
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, p.ActiveJobs())

	acks, err := b.Subscribe(ctx, domain.JobAckTopic("job-1"))
	require.NoError(t, err)
	defer acks.Close()

	// A request for a job this pool does not run is ignored.
	other, _ := json.Marshal(domain.CancelRequest{JobID: "job-2", WorkflowID: "wf-2"})
	require.NoError(t, b.Publish(ctx, domain.JobCancelTopic, other))

	req, _ := json.Marshal(domain.CancelRequest{JobID: "job-1", WorkflowID: "wf-1"})
	require.NoError(t, b.Publish(ctx, domain.JobCancelTopic, req))

	select {
	case msg := <-acks.C():
		var ack domain.CancelAck
		require.NoError(t, json.Unmarshal(msg.Payload, &ack))
		assert.Equal(t, "job-1", ack.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("no cancel ack")
	}

	require.Eventually(t, func() bool {
		return jobStatus(q, "job-1") == domain.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.ActiveJobs())
}

func TestHealthMonitor_Status(t *testing.T) {
	q, b := newQueueAndBroker(t)
	p := startPool(t, q, b, &blockingRunner{})

	status := p.Health().GetStatus()
	assert.Equal(t, 2, status.TotalWorkers)
	assert.Equal(t, 2, status.IdleWorkers)
	assert.True(t, status.Healthy)
	assert.False(t, status.Saturated)

	enqueue(t, q, "job-1", "wf-1", domain.JobStatusPending)
	require.Eventually(t, func() bool {
		return p.Health().GetStatus().BusyWorkers == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	status = p.Health().GetStatus()
	assert.Equal(t, 2, status.StoppedWorkers)
	assert.False(t, p.Health().IsHealthy())
}

type fakeEphemeral struct {
	mu        sync.Mutex
	exit      chan int64
	launched  []string
	removed   []string
	launchErr error
	onLaunch  func()
}

func (f *fakeEphemeral) RunEphemeral(ctx context.Context, wf *domain.WorkflowDescriptor) (*domain.SandboxHandle, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.mu.Lock()
	f.launched = append(f.launched, wf.ID)
	f.mu.Unlock()
	if f.onLaunch != nil {
		f.onLaunch()
	}
	return &domain.SandboxHandle{Name: domain.SandboxName(wf.ID), Running: true}, nil
}

func (f *fakeEphemeral) Wait(ctx context.Context, name string) (int64, error) {
	select {
	case code := <-f.exit:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeEphemeral) Teardown(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func ephemeralFixture(t *testing.T, sandboxes *fakeEphemeral) (*EphemeralRunner, *storage.InMemoryStateStorage, *events.InMemoryBroker, *engine.Registry) {
	t.Helper()
	graph := storage.NewInMemoryGraphStore()
	states := storage.NewInMemoryStateStorage()
	broker := events.NewInMemoryBroker(16, zap.NewNop())
	t.Cleanup(func() { _ = broker.Close() })
	registry := engine.NewRegistry()

	require.NoError(t, graph.SaveWorkflow(context.Background(), &domain.WorkflowDescriptor{
		ID:    "wf-1",
		Nodes: []domain.NodeDescriptor{{ID: "A", Type: "start"}},
	}))

	runner := NewEphemeralRunner(graph, states, sandboxes, nil, broadcast.New(broker, nil, zap.NewNop()), registry, zap.NewNop())
	return runner, states, broker, registry
}

func TestEphemeralRunner_ReadsRecordedOutcome(t *testing.T) {
	sandboxes := &fakeEphemeral{exit: make(chan int64, 1)}
	runner, states, _, _ := ephemeralFixture(t, sandboxes)

	// the sandbox records its own terminal state before exiting
	sandboxes.onLaunch = func() {
		now := time.Now()
		state := domain.IdleState("wf-1")
		state.Status = domain.RunStatusCompleted
		state.StartedAt = &now
		_ = states.SaveState(context.Background(), state)
		sandboxes.exit <- 0
	}

	status, err := runner.Run(context.Background(), &domain.Job{ID: "job-1", WorkflowID: "wf-1"}, func() {})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, status)
	assert.Equal(t, []string{"wf-1"}, sandboxes.removed)
}

func TestEphemeralRunner_CrashedSandboxFailsRun(t *testing.T) {
	sandboxes := &fakeEphemeral{exit: make(chan int64, 1)}
	runner, states, broker, _ := ephemeralFixture(t, sandboxes)
	sandboxes.exit <- 137

	sub, err := broker.Subscribe(context.Background(), domain.WorkflowTopic("wf-1"))
	require.NoError(t, err)
	defer sub.Close()

	status, err := runner.Run(context.Background(), &domain.Job{ID: "job-1", WorkflowID: "wf-1"}, func() {})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, status)

	state, err := states.LoadState(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, state.Status)
	assert.Contains(t, state.Error, "137")

	select {
	case msg := <-sub.C():
		event, err := broadcast.DecodeEvent(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeWorkflowFailed, event.Type)
	case <-time.After(time.Second):
		t.Fatal("no terminal event")
	}
}

func TestEphemeralRunner_ForceShutdownThroughRegistry(t *testing.T) {
	sandboxes := &fakeEphemeral{exit: make(chan int64)}
	runner, states, _, registry := ephemeralFixture(t, sandboxes)

	started := make(chan struct{})
	done := make(chan domain.RunStatus, 1)
	go func() {
		status, _ := runner.Run(context.Background(), &domain.Job{ID: "job-1", WorkflowID: "wf-1"}, func() { close(started) })
		done <- status
	}()

	<-started
	run, ok := registry.Get("wf-1")
	require.True(t, ok)
	require.NoError(t, run.ForceShutdown(context.Background()))
	require.NoError(t, run.ForceShutdown(context.Background()))

	select {
	case status := <-done:
		assert.Equal(t, domain.RunStatusCancelled, status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	state, err := states.LoadState(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, state.Status)
	assert.False(t, registry.Owns("wf-1"))
}

func TestEphemeralRunner_RejectsRunOwnedElsewhere(t *testing.T) {
	sandboxes := &fakeEphemeral{exit: make(chan int64, 1)}
	runner, states, _, registry := ephemeralFixture(t, sandboxes)
	ctx := context.Background()

	now := time.Now()
	live := domain.IdleState("wf-1")
	live.Status = domain.RunStatusRunning
	live.StartedAt = &now
	live.HeartbeatAt = &now
	live.CompletedNodes = []string{"A"}
	live.CompletedCount = 1
	require.NoError(t, states.SaveState(ctx, live))

	called := false
	_, err := runner.Run(ctx, &domain.Job{ID: "job-2", WorkflowID: "wf-1"}, func() { called = true })
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.False(t, called)

	sandboxes.mu.Lock()
	assert.Empty(t, sandboxes.launched)
	assert.Empty(t, sandboxes.removed)
	sandboxes.mu.Unlock()

	state, err := states.LoadState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, state.Status)
	assert.Equal(t, []string{"A"}, state.CompletedNodes)
	assert.False(t, registry.Owns("wf-1"))
}

func TestEphemeralRunner_LaunchFailure(t *testing.T) {
	sandboxes := &fakeEphemeral{launchErr: &domain.ResourceError{Sandbox: "wf-1", Reason: "image not found"}}
	runner, states, _, _ := ephemeralFixture(t, sandboxes)

	called := false
	status, err := runner.Run(context.Background(), &domain.Job{ID: "job-1", WorkflowID: "wf-1"}, func() { called = true })
	var re *domain.ResourceError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, domain.RunStatusFailed, status)
	assert.False(t, called)

	state, _ := states.LoadState(context.Background(), "wf-1")
	assert.Equal(t, domain.RunStatusFailed, state.Status)
}
