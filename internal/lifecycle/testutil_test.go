package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whisperd/internal/gpu"
	"whisperd/pkg/types"
)

// fakeEngine is an in-memory engine double for manager tests.
type fakeEngine struct {
	mu        sync.Mutex
	images    map[string]bool
	pulls     int
	runs      int
	stops     []string
	removes   []string
	runErr    error
	pullErr   error
	stateSeq  []string      // consumed one per ContainerState call; last repeats
	stallStop chan struct{} // when set, StopContainer blocks until closed
	gpu       bool
}

func newFakeEngine(states ...string) *fakeEngine {
	if len(states) == 0 {
		states = []string{"running"}
	}
	return &fakeEngine{images: make(map[string]bool), stateSeq: states}
}

func (f *fakeEngine) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulls++
	f.images[image] = true
	return nil
}

func (f *fakeEngine) HasImage(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.runs++
	return fmt.Sprintf("cid-%d", f.runs), nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	if f.stallStop != nil {
		<-f.stallStop
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	return nil
}

func (f *fakeEngine) ContainerState(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stateSeq[0]
	if len(f.stateSeq) > 1 {
		f.stateSeq = f.stateSeq[1:]
	}
	return s, nil
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	return "log line\n", nil
}

func (f *fakeEngine) ContainerStats(ctx context.Context, id string) (map[string]any, error) {
	return map[string]any{"cpu": 0.5}, nil
}

func (f *fakeEngine) GPUSupported(ctx context.Context) bool { return f.gpu }

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func newTestManager(engine Engine, totalMB int, cfg Config) (*Manager, *gpu.Allocator) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = time.Second
	}
	if cfg.PullPolicy == "" {
		cfg.PullPolicy = "if_missing"
	}
	alloc := gpu.NewAllocator(totalMB, zerolog.Nop())
	return NewManager(engine, alloc, cfg, zerolog.Nop()), alloc
}

func testTemplate(id string, memMB int) types.ModelTemplate {
	return types.ModelTemplate{ID: id, Image: "acme/" + id + ":latest", Port: 9000 + memMB%1000, GPUMemoryMB: memMB}
}
