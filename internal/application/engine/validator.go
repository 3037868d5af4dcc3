package engine

import (
	"fmt"
	"strings"

	"github.com/aescanero/dagrun/internal/application/resolver"
	"github.com/aescanero/dagrun/pkg/domain"
)

// Validator validates workflow graphs at load time
type Validator struct{}

// NewValidator creates a new workflow validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the structure of a workflow. It returns a
// *domain.ValidationError describing the first problem found.
func (v *Validator) Validate(wf *domain.WorkflowDescriptor) error {
	if wf == nil {
		return &domain.ValidationError{Reason: "workflow is nil"}
	}

	invalid := func(format string, args ...interface{}) error {
		return &domain.ValidationError{WorkflowID: wf.ID, Reason: fmt.Sprintf(format, args...)}
	}

	// Check basic fields
	if wf.ID == "" {
		return invalid("workflow ID is required")
	}
	if len(wf.Nodes) == 0 {
		return invalid("workflow must have at least one node")
	}

	// Validate nodes
	nodeTypes := make(map[string]string, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if node.ID == "" {
			return invalid("node ID is required")
		}
		if node.Type == "" {
			return invalid("node %s has no type", node.ID)
		}
		if _, exists := nodeTypes[node.ID]; exists {
			return invalid("duplicate node ID: %s", node.ID)
		}
		nodeTypes[node.ID] = node.Type
	}

	// Validate edges
	seen := make(map[domain.EdgeDescriptor]bool, len(wf.Edges))
	for _, edge := range wf.Edges {
		if _, exists := nodeTypes[edge.SourceNodeID]; !exists {
			return invalid("edge references non-existent source node: %s", edge.SourceNodeID)
		}
		targetType, exists := nodeTypes[edge.TargetNodeID]
		if !exists {
			return invalid("edge references non-existent target node: %s", edge.TargetNodeID)
		}
		if edge.SourceNodeID == edge.TargetNodeID {
			return invalid("self-loop on node %s", edge.SourceNodeID)
		}
		if domain.IsEntryType(targetType) {
			return invalid("edge %s -> %s targets entry node of type %s", edge.SourceNodeID, edge.TargetNodeID, targetType)
		}
		if seen[edge] {
			return invalid("duplicate edge %s -> %s", edge.SourceNodeID, edge.TargetNodeID)
		}
		seen[edge] = true
	}

	if cycle := resolver.New(wf).DetectCycle(); cycle != nil {
		return invalid("cycle detected: %s", strings.Join(cycle, " -> "))
	}

	return nil
}
