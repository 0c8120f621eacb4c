package lifecycle

import (
	"context"
	"time"
)

// RunSpec is everything the engine needs to run one model container.
type RunSpec struct {
	Name          string
	Image         string
	Port          int
	Env           map[string]string
	Volumes       map[string]string
	RestartPolicy string
	GPU           bool
}

// Engine abstracts the container engine so the manager can be tested
// without a daemon and the runtime could be swapped without touching
// the lifecycle logic.
type Engine interface {
	// PullImage fetches the image from its registry.
	PullImage(ctx context.Context, image string) error
	// HasImage reports whether the image is present locally.
	HasImage(ctx context.Context, image string) (bool, error)
	// RunContainer creates and starts a container, returning the engine id.
	RunContainer(ctx context.Context, spec RunSpec) (string, error)
	// StopContainer stops a running container within timeout.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, id string) error
	// ContainerState returns the engine-reported state ("running", "exited", ...).
	ContainerState(ctx context.Context, id string) (string, error)
	// ContainerLogs returns the last lines of the container's output.
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	// ContainerStats returns a one-shot stats sample.
	ContainerStats(ctx context.Context, id string) (map[string]any, error)
	// GPUSupported reports whether the host engine can attach GPUs.
	GPUSupported(ctx context.Context) bool
	// Close releases the engine client.
	Close() error
}
