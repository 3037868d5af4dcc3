package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Container labels and environment understood by the sandbox image
const (
	LabelManaged    = "dagrun.managed"
	LabelWorkflowID = "dagrun.workflow_id"
	LabelDigest     = "dagrun.workflow_digest"
	LabelMode       = "dagrun.mode"

	EnvWorkflow = "DAGRUN_WORKFLOW"

	ModePersistent = "persistent"
	ModeEphemeral  = "ephemeral"
)

var errPortPending = errors.New("command port not mapped yet")

// Config configures the sandbox manager
type Config struct {
	Image       string
	CommandPort int
	// Host is the address published ports are reached on
	Host                 string
	PortDiscoveryTimeout time.Duration
	Network              string
	// Env is added to every sandbox
	Env []string
}

// Manager owns the sandbox lifecycle. The sandbox name is the identity:
// operations on one name are serialised and a create always replaces any
// same-named container.
type Manager struct {
	runtime Runtime
	client  *CommandClient
	cfg     Config
	metrics ports.MetricsCollector
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a sandbox manager
func NewManager(runtime Runtime, client *CommandClient, cfg Config, metrics ports.MetricsCollector, logger *zap.Logger) *Manager {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Manager{
		runtime: runtime,
		client:  client,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsurePersistent returns a running command-addressable sandbox for wf.
// A healthy instance started for the same workflow snapshot is reused;
// anything else under that name is replaced.
func (m *Manager) EnsurePersistent(ctx context.Context, wf *domain.WorkflowDescriptor, name string) (*domain.SandboxHandle, error) {
	unlock := m.lock(name)
	defer unlock()

	digest := wf.Digest()

	if handle, ok := m.reusable(ctx, name, digest); ok {
		m.metrics.RecordSandboxOperation("reuse", "success")
		m.logger.Debug("reusing sandbox", zap.String("sandbox", name))
		return handle, nil
	}

	if err := m.create(ctx, wf, name, ModePersistent, []string{"serve"}, m.cfg.CommandPort); err != nil {
		m.metrics.RecordSandboxOperation("create", "error")
		return nil, err
	}

	port, err := m.discoverPort(ctx, name)
	if err != nil {
		m.metrics.RecordSandboxOperation("create", "error")
		m.removeQuietly(name)
		return nil, &domain.ResourceError{Sandbox: name, Reason: "command port never became reachable", Err: err}
	}

	if err := m.waitHealthy(ctx, m.baseURL(port)); err != nil {
		m.metrics.RecordSandboxOperation("create", "error")
		m.removeQuietly(name)
		return nil, &domain.ResourceError{Sandbox: name, Reason: "command server never became healthy", Err: err}
	}

	m.metrics.RecordSandboxOperation("create", "success")
	m.logger.Info("sandbox started",
		zap.String("sandbox", name),
		zap.String("workflow_id", wf.ID),
		zap.String("port", port))

	return &domain.SandboxHandle{
		Name:               name,
		Running:            true,
		ExposedCommandPort: port,
		Persistent:         true,
		WorkflowDigest:     digest,
	}, nil
}

// RunEphemeral starts a one-shot sandbox that runs the whole workflow
// internally and exits. The manager never talks to it again; progress is
// observed through the shared store.
func (m *Manager) RunEphemeral(ctx context.Context, wf *domain.WorkflowDescriptor) (*domain.SandboxHandle, error) {
	name := domain.SandboxName(wf.ID)
	unlock := m.lock(name)
	defer unlock()

	if err := m.create(ctx, wf, name, ModeEphemeral, []string{"run"}, 0); err != nil {
		m.metrics.RecordSandboxOperation("ephemeral", "error")
		return nil, err
	}

	m.metrics.RecordSandboxOperation("ephemeral", "success")
	m.logger.Info("ephemeral sandbox started",
		zap.String("sandbox", name),
		zap.String("workflow_id", wf.ID))

	return &domain.SandboxHandle{Name: name, Running: true, WorkflowDigest: wf.Digest()}, nil
}

// Execute runs one node in a persistent sandbox
func (m *Manager) Execute(ctx context.Context, handle *domain.SandboxHandle, nodeID string, payload map[string]interface{}) (interface{}, error) {
	return m.client.ExecuteNode(ctx, m.baseURL(handle.ExposedCommandPort), nodeID, payload)
}

// Invoker returns an invoker bound to a persistent sandbox
func (m *Manager) Invoker(handle *domain.SandboxHandle) ports.Invoker {
	return m.client.Invoker(m.baseURL(handle.ExposedCommandPort))
}

// Teardown force-removes the named sandbox. A missing sandbox is success.
func (m *Manager) Teardown(ctx context.Context, name string) error {
	unlock := m.lock(name)
	defer unlock()

	if err := m.runtime.Remove(ctx, name); err != nil {
		m.metrics.RecordSandboxOperation("teardown", "error")
		return err
	}
	m.metrics.RecordSandboxOperation("teardown", "success")
	m.logger.Debug("sandbox removed", zap.String("sandbox", name))
	return nil
}

// Status inspects the named sandbox
func (m *Manager) Status(ctx context.Context, name string) (*domain.SandboxHandle, error) {
	info, err := m.runtime.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	return &domain.SandboxHandle{
		Name:               name,
		Running:            info.Running,
		ExposedCommandPort: info.HostPorts[m.cfg.CommandPort],
		Persistent:         info.Labels[LabelMode] == ModePersistent,
		WorkflowDigest:     info.Labels[LabelDigest],
	}, nil
}

// Wait blocks until the named sandbox exits
func (m *Manager) Wait(ctx context.Context, name string) (int64, error) {
	return m.runtime.Wait(ctx, name)
}

// Stats opens the stats stream of the named sandbox
func (m *Manager) Stats(ctx context.Context, name string) (io.ReadCloser, error) {
	return m.runtime.Stats(ctx, name)
}

func (m *Manager) reusable(ctx context.Context, name, digest string) (*domain.SandboxHandle, bool) {
	info, err := m.runtime.Inspect(ctx, name)
	if err != nil || !info.Running {
		return nil, false
	}
	if info.Labels[LabelMode] != ModePersistent || info.Labels[LabelDigest] != digest {
		return nil, false
	}
	port := info.HostPorts[m.cfg.CommandPort]
	if port == "" {
		return nil, false
	}
	if err := m.client.Health(ctx, m.baseURL(port)); err != nil {
		m.logger.Info("sandbox unhealthy, replacing",
			zap.String("sandbox", name),
			zap.Error(err))
		return nil, false
	}
	return &domain.SandboxHandle{
		Name:               name,
		Running:            true,
		ExposedCommandPort: port,
		Persistent:         true,
		WorkflowDigest:     digest,
	}, true
}

// create replaces any container named name with a fresh, started one
func (m *Manager) create(ctx context.Context, wf *domain.WorkflowDescriptor, name, mode string, cmd []string, commandPort int) error {
	exists, err := m.runtime.ImageExists(ctx, m.cfg.Image)
	if err != nil {
		return &domain.ResourceError{Sandbox: name, Reason: "image lookup failed", Err: err}
	}
	if !exists {
		return &domain.ResourceError{Sandbox: name, Reason: fmt.Sprintf("image %s not found", m.cfg.Image)}
	}

	if err := m.runtime.Remove(ctx, name); err != nil {
		return &domain.ResourceError{Sandbox: name, Reason: "failed to remove previous instance", Err: err}
	}

	descriptor, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	spec := ContainerSpec{
		Name:  name,
		Image: m.cfg.Image,
		Cmd:   cmd,
		Env:   append([]string{EnvWorkflow + "=" + string(descriptor)}, m.cfg.Env...),
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelWorkflowID: wf.ID,
			LabelDigest:     wf.Digest(),
			LabelMode:       mode,
		},
		CommandPort: commandPort,
		Network:     m.cfg.Network,
	}

	if err := m.runtime.Create(ctx, spec); err != nil {
		return &domain.ResourceError{Sandbox: name, Reason: "create failed", Err: err}
	}
	if err := m.runtime.Start(ctx, name); err != nil {
		m.removeQuietly(name)
		return &domain.ResourceError{Sandbox: name, Reason: "start failed", Err: err}
	}

	return nil
}

// discoverPort polls the published mapping of the command port. The
// runtime does not guarantee it right after start.
func (m *Manager) discoverPort(ctx context.Context, name string) (string, error) {
	return backoff.RetryWithData(func() (string, error) {
		info, err := m.runtime.Inspect(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if port := info.HostPorts[m.cfg.CommandPort]; port != "" {
			return port, nil
		}
		return "", errPortPending
	}, backoff.WithContext(m.newBackOff(), ctx))
}

func (m *Manager) waitHealthy(ctx context.Context, baseURL string) error {
	return backoff.Retry(func() error {
		return m.client.Health(ctx, baseURL)
	}, backoff.WithContext(m.newBackOff(), ctx))
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = m.cfg.PortDiscoveryTimeout
	return b
}

func (m *Manager) removeQuietly(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.runtime.Remove(ctx, name); err != nil {
		m.logger.Warn("failed to remove sandbox", zap.String("sandbox", name), zap.Error(err))
	}
}

func (m *Manager) baseURL(port string) string {
	return fmt.Sprintf("http://%s:%s", m.cfg.Host, port)
}

func (m *Manager) lock(name string) func() {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
