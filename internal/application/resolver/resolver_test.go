package resolver

import (
	"context"
	"testing"

	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workflow(id string, nodes []string, edges ...[2]string) *domain.WorkflowDescriptor {
	wf := &domain.WorkflowDescriptor{ID: id}
	for _, n := range nodes {
		wf.Nodes = append(wf.Nodes, domain.NodeDescriptor{ID: n, Type: "passthrough"})
	}
	for _, e := range edges {
		wf.Edges = append(wf.Edges, domain.EdgeDescriptor{SourceNodeID: e[0], TargetNodeID: e[1]})
	}
	return wf
}

func diamond() *domain.WorkflowDescriptor {
	return workflow("diamond", []string{"A", "B", "C", "D"},
		[2]string{"A", "B"}, [2]string{"A", "C"}, [2]string{"B", "D"}, [2]string{"C", "D"})
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestGetDependencies_DiamondListsEachAncestorOnce(t *testing.T) {
	r := New(diamond())

	deps := r.GetDependencies("D")

	assert.ElementsMatch(t, []string{"A", "B", "C"}, deps)
	assert.Len(t, deps, 3)
	assert.Less(t, indexOf(deps, "A"), indexOf(deps, "B"))
	assert.Less(t, indexOf(deps, "A"), indexOf(deps, "C"))
}

func TestGetDependencies_EntryNodeHasNone(t *testing.T) {
	r := New(diamond())
	assert.Empty(t, r.GetDependencies("A"))
}

func TestDirectPredecessorsAndDescendants(t *testing.T) {
	r := New(diamond())

	assert.Equal(t, []string{"B", "C"}, r.DirectPredecessors("D"))
	assert.ElementsMatch(t, []string{"B", "C", "D"}, r.Descendants("A"))
	assert.Equal(t, []string{"D"}, r.Descendants("B"))
	assert.Empty(t, r.Descendants("D"))
}

func TestTopologicalOrder(t *testing.T) {
	r := New(diamond())

	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestTopologicalOrder_IndependentBranches(t *testing.T) {
	wf := workflow("fork", []string{"S", "X", "Y", "Z"},
		[2]string{"S", "X"}, [2]string{"Y", "Z"})
	r := New(wf)

	assert.Equal(t, []string{"S", "Y"}, r.EntryNodes())

	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)
	assert.Less(t, indexOf(order, "S"), indexOf(order, "X"))
	assert.Less(t, indexOf(order, "Y"), indexOf(order, "Z"))
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	wf := workflow("cyclic", []string{"A", "B", "C"},
		[2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "B"})
	_, err := New(wf).TopologicalOrder()
	assert.Error(t, err)
}

func TestDetectCycle(t *testing.T) {
	assert.Nil(t, New(diamond()).DetectCycle())

	wf := workflow("cyclic", []string{"A", "B", "C"},
		[2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "B"})
	cycle := New(wf).DetectCycle()
	require.NotEmpty(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Contains(t, cycle, "B")
	assert.Contains(t, cycle, "C")
}

func TestValidateDependencyChain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryGraphStore()
	r := New(diamond())

	missing, err := r.ValidateDependencyChain(ctx, store, "D")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, missing)

	require.NoError(t, store.WriteNodeOutput(ctx, "diamond", "B", "b"))
	missing, err = r.ValidateDependencyChain(ctx, store, "D")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, missing)

	require.NoError(t, store.WriteNodeOutput(ctx, "diamond", "C", "c"))
	missing, err = r.ValidateDependencyChain(ctx, store, "D")
	require.NoError(t, err)
	assert.Empty(t, missing)
}
