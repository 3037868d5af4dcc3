// Package nodes is the node runtime executed inside a sandbox: a registry
// mapping node types to behaviour, the built-in node types, a local
// invoker and the command server the orchestrator talks to.
package nodes

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/adapters/llm"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// Input is what a node receives: its own descriptor and the outputs of its
// direct predecessors keyed by predecessor id.
type Input struct {
	WorkflowID string
	Node       domain.NodeDescriptor
	Payload    map[string]interface{}
}

// Node is the behaviour of one node type
type Node interface {
	Execute(ctx context.Context, in Input) (interface{}, error)
}

// NodeFunc adapts a function to Node
type NodeFunc func(ctx context.Context, in Input) (interface{}, error)

func (f NodeFunc) Execute(ctx context.Context, in Input) (interface{}, error) { return f(ctx, in) }

// Deps are shared by node implementations. Broker and LLM may be nil;
// node types needing them then fail at execution.
type Deps struct {
	Broker     ports.Broker
	LLM        llm.Client
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Factory builds a node from shared dependencies
type Factory func(deps Deps) Node

// Registry maps node type strings to behaviour
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
}

// NewRegistry creates a registry preloaded with the built-in node types
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	r := &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
	}
	registerBuiltins(r)
	return r
}

// Register binds nodeType to f, replacing any previous binding
func (r *Registry) Register(nodeType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[nodeType] = f
}

// Lookup builds the node for nodeType
func (r *Registry) Lookup(nodeType string) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	return f(r.deps), nil
}

// Types lists the registered node types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
