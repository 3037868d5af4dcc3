package memory

import (
	"context"
	"testing"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStateStorage_CopiesSnapshots(t *testing.T) {
	s := NewInMemoryStateStorage()
	ctx := context.Background()

	state := domain.IdleState("wf-1")
	state.CompletedNodes = append(state.CompletedNodes, "a")
	require.NoError(t, s.SaveState(ctx, state))

	state.CompletedNodes = append(state.CompletedNodes, "b")

	loaded, err := s.LoadState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, loaded.CompletedNodes)
}

func TestInMemoryStateStorage_MissingIsIdle(t *testing.T) {
	s := NewInMemoryStateStorage()
	loaded, err := s.LoadState(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusIdle, loaded.Status)
	assert.Empty(t, loaded.CompletedNodes)
}

func TestInMemoryGraphStore_OutputsAreNotAliased(t *testing.T) {
	g := NewInMemoryGraphStore()
	ctx := context.Background()

	out := map[string]interface{}{"x": 1}
	require.NoError(t, g.WriteNodeOutput(ctx, "wf", "n", out))
	out["x"] = 2

	read, ok, err := g.ReadNodeOutput(ctx, "wf", "n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, read)
}

func TestInMemoryGraphStore_ReadWorkflowNotFound(t *testing.T) {
	g := NewInMemoryGraphStore()
	_, err := g.ReadWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInMemorySampleStorage_Limit(t *testing.T) {
	s := NewInMemorySampleStorage()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendSample(ctx, "wf", domain.ResourceSample{CPUPercent: float64(i)}))
	}

	last, err := s.Samples(ctx, "wf", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, 2.0, last[0].CPUPercent)
	assert.Equal(t, 3.0, last[1].CPUPercent)
}
