package redis

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestStateStorage_MissingStateIsIdle(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewStateStorage(client, time.Hour, zap.NewNop())

	state, err := s.LoadState(context.Background(), "wf-unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusIdle, state.Status)
	assert.Equal(t, "wf-unknown", state.WorkflowID)
	assert.NotNil(t, state.ExecutingNodes)
	assert.NotNil(t, state.CompletedNodes)
	assert.Zero(t, state.CompletedCount)
}

func TestStateStorage_SaveLoadPreservesOrder(t *testing.T) {
	client, mr := newTestClient(t)
	s := NewStateStorage(client, time.Hour, zap.NewNop())
	ctx := context.Background()

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := domain.IdleState("wf-1")
	state.Status = domain.RunStatusRunning
	state.ExecutingNodes["d"] = started
	state.CompletedNodes = []string{"a", "c", "b"}
	state.CompletedCount = 3

	require.NoError(t, s.SaveState(ctx, state))
	assert.True(t, mr.Exists("dagrun:state:wf-1"))
	assert.Equal(t, time.Hour, mr.TTL("dagrun:state:wf-1"))

	loaded, err := s.LoadState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status)
	assert.Equal(t, []string{"a", "c", "b"}, loaded.CompletedNodes)
	assert.Equal(t, 3, loaded.CompletedCount)
	assert.True(t, started.Equal(loaded.ExecutingNodes["d"]))
}

func TestStateStorage_ListAndDelete(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewStateStorage(client, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.SaveState(ctx, domain.IdleState("a")))
	require.NoError(t, s.SaveState(ctx, domain.IdleState("b")))

	states, err := s.ListStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	require.NoError(t, s.DeleteState(ctx, "a"))
	states, err = s.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "b", states[0].WorkflowID)
}

func TestGraphStore_WorkflowRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	g := NewGraphStore(client, zap.NewNop())
	ctx := context.Background()

	_, err := g.ReadWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	wf := &domain.WorkflowDescriptor{
		ID: "wf-1",
		Nodes: []domain.NodeDescriptor{
			{ID: "a", Type: domain.NodeTypeStart},
			{ID: "b", Type: "passthrough", FormValues: map[string]interface{}{"k": "v"}},
		},
		Edges: []domain.EdgeDescriptor{{SourceNodeID: "a", TargetNodeID: "b"}},
	}
	require.NoError(t, g.SaveWorkflow(ctx, wf))

	loaded, err := g.ReadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, wf, loaded)
}

func TestGraphStore_NodeOutputReadAfterWrite(t *testing.T) {
	client, _ := newTestClient(t)
	g := NewGraphStore(client, zap.NewNop())
	ctx := context.Background()

	_, ok, err := g.ReadNodeOutput(ctx, "wf-1", "n")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.WriteNodeOutput(ctx, "wf-1", "n", map[string]interface{}{"x": 1}))

	out, ok, err := g.ReadNodeOutput(ctx, "wf-1", "n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, out)
}

func TestGraphStore_JobID(t *testing.T) {
	client, _ := newTestClient(t)
	g := NewGraphStore(client, zap.NewNop())
	ctx := context.Background()

	jobID, err := g.JobID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, jobID)

	require.NoError(t, g.SetJobID(ctx, "wf-1", "job-9"))
	jobID, err = g.JobID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "job-9", jobID)
}

func TestSampleStorage_AppendTrimAndLimit(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewSampleStorage(client, time.Hour, 3, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendSample(ctx, "wf-1", domain.ResourceSample{CPUPercent: float64(i)}))
	}

	all, err := s.Samples(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 2.0, all[0].CPUPercent)
	assert.Equal(t, 4.0, all[2].CPUPercent)

	last, err := s.Samples(ctx, "wf-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, 4.0, last[0].CPUPercent)

	require.NoError(t, s.ClearSamples(ctx, "wf-1"))
	all, err = s.Samples(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
