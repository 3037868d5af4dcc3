package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// DockerRuntime implements Runtime on the Docker Engine API
type DockerRuntime struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRuntime connects using the standard DOCKER_* environment
func NewDockerRuntime(logger *zap.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Ping checks the daemon is reachable
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the client
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// ImageExists reports whether image is present locally
func (d *DockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return true, nil
}

// Create creates a stopped container
func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) error {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{}

	if spec.CommandPort > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.CommandPort))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		// empty HostPort lets the daemon pick a free one
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("sandbox", spec.Name), zap.String("warning", w))
	}
	return nil
}

// Start starts a created container
func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Inspect reads container state and published ports
func (d *DockerRuntime) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	out := &ContainerInfo{
		Name:      name,
		HostPorts: make(map[int]string),
	}
	if info.State != nil {
		out.Running = info.State.Running
	}
	if info.Config != nil {
		out.Labels = info.Config.Labels
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				if b.HostPort != "" {
					out.HostPorts[port.Int()] = b.HostPort
					break
				}
			}
		}
	}

	return out, nil
}

// Remove force-removes a container and its anonymous volumes
func (d *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Stats opens the streaming stats feed
func (d *DockerRuntime) Stats(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerStats(ctx, name, true)
	if err != nil {
		return nil, fmt.Errorf("failed to stream stats of %s: %w", name, err)
	}
	return resp.Body, nil
}

// Wait blocks until the container stops and returns its exit code
func (d *DockerRuntime) Wait(ctx context.Context, name string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container %s: %s", name, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		if errdefs.IsNotFound(err) {
			return 0, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("failed waiting for container %s: %w", name, err)
	}
}
