package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/engine"
	events "github.com/aescanero/dagrun/pkg/adapters/events/memory"
	storage "github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeKiller struct {
	names []string
}

func (f *fakeKiller) Teardown(ctx context.Context, name string) error {
	f.names = append(f.names, name)
	return nil
}

type owned struct{}

func (owned) ForceShutdown(ctx context.Context) error { return nil }

func runningState(id string, heartbeat time.Time) *domain.ExecutionState {
	state := domain.IdleState(id)
	state.Status = domain.RunStatusRunning
	state.ExecutingNodes["B"] = heartbeat
	state.CompletedNodes = []string{"A"}
	state.CompletedCount = 1
	state.HeartbeatAt = &heartbeat
	return state
}

func TestReconcileOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	states := storage.NewInMemoryStateStorage()
	broker := events.NewInMemoryBroker(8, zap.NewNop())
	defer broker.Close()
	registry := engine.NewRegistry()
	killer := &fakeKiller{}

	require.NoError(t, states.SaveState(ctx, runningState("stale", now.Add(-5*time.Minute))))
	require.NoError(t, states.SaveState(ctx, runningState("fresh", now.Add(-5*time.Second))))
	require.NoError(t, states.SaveState(ctx, runningState("local", now.Add(-5*time.Minute))))
	done := domain.IdleState("done")
	done.Status = domain.RunStatusCompleted
	require.NoError(t, states.SaveState(ctx, done))
	require.NoError(t, registry.Register("local", owned{}))

	sub, err := broker.Subscribe(ctx, domain.WorkflowTopic("stale"))
	require.NoError(t, err)
	defer sub.Close()

	r := New(states, registry, killer, broadcast.New(broker, nil, zap.NewNop()), time.Minute, time.Minute, zap.NewNop())
	r.now = func() time.Time { return now }

	settled, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, settled)
	assert.Equal(t, []string{"stale"}, killer.names)

	state, err := states.LoadState(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, state.Status)
	assert.Equal(t, OrphanedError, state.Error)
	assert.Empty(t, state.ExecutingNodes)
	assert.Equal(t, []string{"A"}, state.CompletedNodes)

	for _, id := range []string{"fresh", "local"} {
		state, err := states.LoadState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusRunning, state.Status, id)
	}

	select {
	case msg := <-sub.C():
		event, err := broadcast.DecodeEvent(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, domain.EventTypeWorkflowFailed, event.Type)
		assert.Equal(t, OrphanedError, event.Data["error"])
	case <-time.After(time.Second):
		t.Fatal("no workflow_failed event")
	}

	settled, err = r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)
}
