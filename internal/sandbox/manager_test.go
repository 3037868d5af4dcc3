package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeContainer struct {
	spec    ContainerSpec
	running bool
}

type fakeRuntime struct {
	mu           sync.Mutex
	hostPort     string
	hideInspects int
	noImage      bool
	containers   map[string]*fakeContainer
	created      int
	removed      []string
}

func newFakeRuntime(hostPort string) *fakeRuntime {
	return &fakeRuntime{hostPort: hostPort, containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	return !f.noImage, nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.containers[spec.Name]; exists {
		return fmt.Errorf("name %s already in use", spec.Name)
	}
	f.containers[spec.Name] = &fakeContainer{spec: spec}
	f.created++
	return nil
}

func (f *fakeRuntime) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return domain.ErrNotFound
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
	}
	info := &ContainerInfo{Name: name, Running: c.running, Labels: c.spec.Labels, HostPorts: map[int]string{}}
	if f.hideInspects > 0 {
		f.hideInspects--
		return info, nil
	}
	if c.running && c.spec.CommandPort > 0 && f.hostPort != "" {
		info.HostPorts[c.spec.CommandPort] = f.hostPort
	}
	return info, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; ok {
		delete(f.containers, name)
		f.removed = append(f.removed, name)
	}
	return nil
}

func (f *fakeRuntime) Stats(ctx context.Context, name string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeRuntime) Wait(ctx context.Context, name string) (int64, error) {
	return 0, nil
}

func (f *fakeRuntime) container(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

// commandServer mimics the sandbox command server
func commandServer(t *testing.T, handler func(req domain.ExecuteNodeRequest) (int, interface{})) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/execute_node", func(w http.ResponseWriter, r *http.Request) {
		var req domain.ExecuteNodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := handler(req)
		w.WriteHeader(status)
		if s, ok := body.(string); ok {
			_, _ = w.Write([]byte(s))
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, u.Port()
}

func echoHandler(req domain.ExecuteNodeRequest) (int, interface{}) {
	return http.StatusOK, domain.NodeResult{Status: domain.NodeStatusSuccess, Result: req.Payload}
}

func testWorkflow() *domain.WorkflowDescriptor {
	return &domain.WorkflowDescriptor{
		ID:    "wf-1",
		Nodes: []domain.NodeDescriptor{{ID: "A", Type: "start"}, {ID: "B", Type: "passthrough"}},
		Edges: []domain.EdgeDescriptor{{SourceNodeID: "A", TargetNodeID: "B"}},
	}
}

func newTestManager(rt Runtime, timeout time.Duration) *Manager {
	return NewManager(rt, NewCommandClient(timeout, zap.NewNop()), Config{
		Image:                "dagrun/noderunner:test",
		CommandPort:          8000,
		PortDiscoveryTimeout: 2 * time.Second,
		Env:                  []string{"REDIS_ADDR=redis:6379"},
	}, nil, zap.NewNop())
}

func TestEnsurePersistent_DiscoversPortWithBackoff(t *testing.T) {
	_, port := commandServer(t, echoHandler)
	rt := newFakeRuntime(port)
	rt.hideInspects = 3
	m := newTestManager(rt, time.Second)

	handle, err := m.EnsurePersistent(context.Background(), testWorkflow(), "wf-1-dev")
	require.NoError(t, err)
	assert.Equal(t, port, handle.ExposedCommandPort)
	assert.True(t, handle.Persistent)

	c := rt.container("wf-1-dev")
	require.NotNil(t, c)
	assert.Equal(t, []string{"serve"}, c.spec.Cmd)
	assert.Equal(t, ModePersistent, c.spec.Labels[LabelMode])
	assert.Contains(t, c.spec.Env, "REDIS_ADDR=redis:6379")
	assert.True(t, strings.HasPrefix(c.spec.Env[0], EnvWorkflow+"="))
}

func TestEnsurePersistent_ReusesRunningSandbox(t *testing.T) {
	_, port := commandServer(t, echoHandler)
	rt := newFakeRuntime(port)
	m := newTestManager(rt, time.Second)
	ctx := context.Background()

	_, err := m.EnsurePersistent(ctx, testWorkflow(), "wf-1-dev")
	require.NoError(t, err)
	_, err = m.EnsurePersistent(ctx, testWorkflow(), "wf-1-dev")
	require.NoError(t, err)

	assert.Equal(t, 1, rt.created)
}

func TestEnsurePersistent_ReplacesStoppedOrStaleSandbox(t *testing.T) {
	_, port := commandServer(t, echoHandler)
	rt := newFakeRuntime(port)
	m := newTestManager(rt, time.Second)
	ctx := context.Background()

	_, err := m.EnsurePersistent(ctx, testWorkflow(), "wf-1-dev")
	require.NoError(t, err)

	rt.container("wf-1-dev").running = false
	_, err = m.EnsurePersistent(ctx, testWorkflow(), "wf-1-dev")
	require.NoError(t, err)
	assert.Equal(t, 2, rt.created)

	edited := testWorkflow()
	edited.Nodes = append(edited.Nodes, domain.NodeDescriptor{ID: "C", Type: "end"})
	_, err = m.EnsurePersistent(ctx, edited, "wf-1-dev")
	require.NoError(t, err)
	assert.Equal(t, 3, rt.created)
	assert.Equal(t, edited.Digest(), rt.container("wf-1-dev").spec.Labels[LabelDigest])
}

func TestEnsurePersistent_MissingImage(t *testing.T) {
	rt := newFakeRuntime("1")
	rt.noImage = true
	m := newTestManager(rt, time.Second)

	_, err := m.EnsurePersistent(context.Background(), testWorkflow(), "wf-1")

	var re *domain.ResourceError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Reason, "not found")
	assert.Nil(t, rt.container("wf-1"))
}

func TestEnsurePersistent_PortNeverMapped(t *testing.T) {
	rt := newFakeRuntime("")
	m := NewManager(rt, NewCommandClient(time.Second, zap.NewNop()), Config{
		Image:                "img",
		CommandPort:          8000,
		PortDiscoveryTimeout: 200 * time.Millisecond,
	}, nil, zap.NewNop())

	_, err := m.EnsurePersistent(context.Background(), testWorkflow(), "wf-1")

	assert.True(t, domain.IsInfrastructure(err))
	assert.Nil(t, rt.container("wf-1"))
}

func TestRunEphemeral_ReplacesSameNamedRuntime(t *testing.T) {
	rt := newFakeRuntime("")
	m := newTestManager(rt, time.Second)
	ctx := context.Background()

	_, err := m.RunEphemeral(ctx, testWorkflow())
	require.NoError(t, err)
	handle, err := m.RunEphemeral(ctx, testWorkflow())
	require.NoError(t, err)

	assert.Equal(t, "wf-1", handle.Name)
	assert.Equal(t, 2, rt.created)
	assert.Equal(t, []string{"wf-1"}, rt.removed)

	c := rt.container("wf-1")
	assert.Equal(t, []string{"run"}, c.spec.Cmd)
	assert.Equal(t, 0, c.spec.CommandPort)

	var embedded domain.WorkflowDescriptor
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(c.spec.Env[0], EnvWorkflow+"=")), &embedded))
	assert.Equal(t, testWorkflow().Digest(), embedded.Digest())
}

func TestTeardown_MissingIsSuccess(t *testing.T) {
	m := newTestManager(newFakeRuntime(""), time.Second)
	assert.NoError(t, m.Teardown(context.Background(), "nothing-here"))
}

func TestExecute_RoundTrip(t *testing.T) {
	_, port := commandServer(t, echoHandler)
	m := newTestManager(newFakeRuntime(port), time.Second)

	handle, err := m.EnsurePersistent(context.Background(), testWorkflow(), "wf-1")
	require.NoError(t, err)

	out, err := m.Execute(context.Background(), handle, "B", map[string]interface{}{"A": map[string]interface{}{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"A": map[string]interface{}{"x": float64(1)}}, out)
}

func TestCommandClient_ErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		handler func(req domain.ExecuteNodeRequest) (int, interface{})
		kind    domain.DispatchErrorKind
	}{
		{
			name: "node error",
			handler: func(req domain.ExecuteNodeRequest) (int, interface{}) {
				return http.StatusOK, domain.NodeResult{Status: domain.NodeStatusError, Error: "bad input"}
			},
			kind: domain.DispatchKindNode,
		},
		{
			name: "malformed body",
			handler: func(req domain.ExecuteNodeRequest) (int, interface{}) {
				return http.StatusInternalServerError, "<html>oops</html>"
			},
			kind: domain.DispatchKindMalformed,
		},
		{
			name: "unknown status",
			handler: func(req domain.ExecuteNodeRequest) (int, interface{}) {
				return http.StatusOK, map[string]string{"status": "maybe"}
			},
			kind: domain.DispatchKindMalformed,
		},
		{
			name: "timeout",
			handler: func(req domain.ExecuteNodeRequest) (int, interface{}) {
				time.Sleep(300 * time.Millisecond)
				return http.StatusOK, domain.NodeResult{Status: domain.NodeStatusSuccess}
			},
			kind: domain.DispatchKindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := commandServer(t, tt.handler)
			client := NewCommandClient(100*time.Millisecond, zap.NewNop())

			_, err := client.ExecuteNode(context.Background(), srv.URL, "A", nil)

			var de *domain.DispatchError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, tt.kind, de.Kind)
			assert.Equal(t, "A", de.NodeID)
		})
	}
}

func TestCommandClient_Unreachable(t *testing.T) {
	srv, _ := commandServer(t, echoHandler)
	srv.Close()

	_, err := NewCommandClient(time.Second, zap.NewNop()).ExecuteNode(context.Background(), srv.URL, "A", nil)

	var de *domain.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.DispatchKindUnreachable, de.Kind)
}

func TestBackend_NamesSandboxes(t *testing.T) {
	_, port := commandServer(t, echoHandler)
	rt := newFakeRuntime(port)
	b := NewBackend(newTestManager(rt, time.Second))
	ctx := context.Background()

	lease, err := b.Acquire(ctx, testWorkflow())
	require.NoError(t, err)
	assert.Equal(t, "wf-1", lease.Name)

	dev, err := b.AcquireDev(ctx, testWorkflow())
	require.NoError(t, err)
	assert.Equal(t, "wf-1-dev", dev.Name)

	out, err := lease.Invoker.Invoke(ctx, "A", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, out)

	require.NoError(t, b.Release(ctx, lease.Name))
	assert.Nil(t, rt.container("wf-1"))
	assert.NotNil(t, rt.container("wf-1-dev"))
}
