// Package resolver computes execution order and dependencies from a
// workflow's edge list.
package resolver

import (
	"context"
	"fmt"

	"github.com/aescanero/dagrun/pkg/domain"
)

// OutputReader reads recorded node outputs.
type OutputReader interface {
	ReadNodeOutput(ctx context.Context, workflowID, nodeID string) (interface{}, bool, error)
}

// Resolver answers dependency questions over one immutable workflow
// snapshot. It is safe for concurrent use once built.
type Resolver struct {
	wf       *domain.WorkflowDescriptor
	incoming map[string][]string
	outgoing map[string][]string
}

// New indexes the edges of wf. Edge order is preserved per node.
func New(wf *domain.WorkflowDescriptor) *Resolver {
	r := &Resolver{
		wf:       wf,
		incoming: make(map[string][]string),
		outgoing: make(map[string][]string),
	}
	for _, e := range wf.Edges {
		r.incoming[e.TargetNodeID] = append(r.incoming[e.TargetNodeID], e.SourceNodeID)
		r.outgoing[e.SourceNodeID] = append(r.outgoing[e.SourceNodeID], e.TargetNodeID)
	}
	return r
}

// GetDependencies returns every transitive predecessor of nodeID, each
// once, with dependencies listed before the nodes that need them. The
// graph is assumed acyclic (validated at load).
func (r *Resolver) GetDependencies(nodeID string) []string {
	visited := make(map[string]bool)
	var order []string

	var visit func(id string)
	visit = func(id string) {
		for _, pred := range r.incoming[id] {
			if visited[pred] {
				continue
			}
			visited[pred] = true
			visit(pred)
			order = append(order, pred)
		}
	}
	visit(nodeID)

	return order
}

// DirectPredecessors returns the sources of nodeID's incoming edges
func (r *Resolver) DirectPredecessors(nodeID string) []string {
	return append([]string(nil), r.incoming[nodeID]...)
}

// Descendants returns every node transitively dependent on nodeID
func (r *Resolver) Descendants(nodeID string) []string {
	visited := make(map[string]bool)
	var out []string

	queue := append([]string(nil), r.outgoing[nodeID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		queue = append(queue, r.outgoing[id]...)
	}

	return out
}

// EntryNodes returns the DAG roots in descriptor order
func (r *Resolver) EntryNodes() []string {
	var roots []string
	for _, n := range r.wf.Nodes {
		if len(r.incoming[n.ID]) == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// TopologicalOrder returns every node reachable from an entry node in
// dependency order (Kahn's algorithm). Ties are broken by descriptor order
// so the result is deterministic.
func (r *Resolver) TopologicalOrder() ([]string, error) {
	position := make(map[string]int, len(r.wf.Nodes))
	inDegree := make(map[string]int, len(r.wf.Nodes))
	for i, n := range r.wf.Nodes {
		position[n.ID] = i
		inDegree[n.ID] = len(r.incoming[n.ID])
	}

	ready := r.EntryNodes()
	var order []string
	for len(ready) > 0 {
		// pick the earliest node in descriptor order
		best := 0
		for i := range ready {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		current := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, current)

		for _, next := range r.outgoing[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(r.wf.Nodes) {
		return nil, fmt.Errorf("cannot order workflow %s: cycle detected", r.wf.ID)
	}

	return order, nil
}

// DetectCycle returns the node ids along a cycle, or nil if the graph is
// acyclic. Depth-first search with white/gray/black colouring.
func (r *Resolver) DetectCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(r.wf.Nodes))
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		for _, next := range r.outgoing[id] {
			switch color[next] {
			case white:
				parent[next] = id
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			case gray:
				cycle := []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				return append([]string{next}, cycle...)
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range r.wf.Nodes {
		if color[n.ID] == white {
			if cycle := dfs(n.ID); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// ValidateDependencyChain returns the direct predecessors of nodeID that
// have no recorded output, so a dispatch can fail fast instead of sending
// an incomplete payload.
func (r *Resolver) ValidateDependencyChain(ctx context.Context, outputs OutputReader, nodeID string) ([]string, error) {
	var missing []string
	for _, pred := range r.incoming[nodeID] {
		_, ok, err := outputs.ReadNodeOutput(ctx, r.wf.ID, pred)
		if err != nil {
			return nil, fmt.Errorf("failed to read output of %s: %w", pred, err)
		}
		if !ok {
			missing = append(missing, pred)
		}
	}
	return missing, nil
}
