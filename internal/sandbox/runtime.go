// Package sandbox manages the isolated container runtimes that execute
// node logic, and the command channel used to talk to them.
package sandbox

import (
	"context"
	"io"
)

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
	// CommandPort is published on an ephemeral host port; zero publishes
	// nothing.
	CommandPort int
	Network     string
}

// ContainerInfo is the inspected state of a container
type ContainerInfo struct {
	Name    string
	Running bool
	Labels  map[string]string
	// HostPorts maps container TCP ports to their published host ports.
	HostPorts map[int]string
}

// Runtime is the container engine the manager drives. Inspect returns
// domain.ErrNotFound for a missing container; Remove treats a missing
// container as success.
type Runtime interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	Create(ctx context.Context, spec ContainerSpec) error
	Start(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (*ContainerInfo, error)
	Remove(ctx context.Context, name string) error
	Stats(ctx context.Context, name string) (io.ReadCloser, error)
	Wait(ctx context.Context, name string) (int64, error)
}
