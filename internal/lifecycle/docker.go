package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"whisperd/internal/common/fsutil"
)

// DockerEngine implements Engine using the Docker SDK.
// The daemon address comes from the environment (DOCKER_HOST et al.).
type DockerEngine struct {
	cli *client.Client
	log zerolog.Logger
}

// NewDockerEngine creates a client from the environment with API version
// negotiation, matching whatever daemon is reachable.
func NewDockerEngine(log zerolog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerEngine{cli: cli, log: log.With().Str("component", "docker").Logger()}, nil
}

func (e *DockerEngine) PullImage(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain the progress stream; the pull only completes once it is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("image pull stream for %s: %w", ref, err)
	}
	return nil
}

func (e *DockerEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

func (e *DockerEngine) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("invalid port %d: %w", spec.Port, err)
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	binds := make([]string, 0, len(spec.Volumes))
	for host, cont := range spec.Volumes {
		expanded, err := fsutil.ExpandHome(host)
		if err != nil {
			return "", fmt.Errorf("volume host path %q: %w", host, err)
		}
		binds = append(binds, expanded+":"+cont)
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
		},
		Binds: binds,
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)}
	}
	if spec.GPU {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave a created-but-never-started container behind.
		_ = e.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	e.log.Info().Str("image", spec.Image).Str("container", shortID(resp.ID)).Int("port", spec.Port).
		Bool("gpu", spec.GPU).Msg("container started")
	return resp.ID, nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	return e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *DockerEngine) ContainerState(ctx context.Context, id string) (string, error) {
	inspect, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.State == nil {
		return "", fmt.Errorf("container %s has no state", shortID(id))
	}
	return inspect.State.Status, nil
}

func (e *DockerEngine) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	}
	rc, err := e.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs: %w", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (e *DockerEngine) ContainerStats(ctx context.Context, id string) (map[string]any, error) {
	stats, err := e.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	defer stats.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(stats.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return out, nil
}

// GPUSupported reports whether the daemon exposes the nvidia runtime.
func (e *DockerEngine) GPUSupported(ctx context.Context) bool {
	info, err := e.cli.Info(ctx)
	if err != nil {
		return false
	}
	if strings.Contains(info.DefaultRuntime, "nvidia") {
		return true
	}
	for name := range info.Runtimes {
		if strings.Contains(name, "nvidia") {
			return true
		}
	}
	return false
}

func (e *DockerEngine) Close() error { return e.cli.Close() }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
