package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whisperd/internal/comms"
	"whisperd/internal/gpu"
	"whisperd/internal/lifecycle"
	"whisperd/internal/registry"
	"whisperd/pkg/types"
)

// fakeEngine satisfies lifecycle.Engine without a daemon.
type fakeEngine struct {
	mu    sync.Mutex
	runs  int
	stops []string
	state string
}

func newFakeEngine() *fakeEngine { return &fakeEngine{state: "running"} }

func (f *fakeEngine) PullImage(ctx context.Context, image string) error { return nil }
func (f *fakeEngine) HasImage(ctx context.Context, image string) (bool, error) {
	return true, nil
}
func (f *fakeEngine) RunContainer(ctx context.Context, spec lifecycle.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return fmt.Sprintf("cid-%d", f.runs), nil
}
func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return nil
}
func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeEngine) ContainerState(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}
func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}
func (f *fakeEngine) ContainerStats(ctx context.Context, id string) (map[string]any, error) {
	return nil, nil
}
func (f *fakeEngine) GPUSupported(ctx context.Context) bool { return false }
func (f *fakeEngine) Close() error                          { return nil }

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

// containerServer is an httptest stand-in for one model container.
func containerServer(t *testing.T, healthStatus int, transcribe http.HandlerFunc) (*httptest.Server, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(healthStatus)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"device": "cpu"})
	})
	if transcribe != nil {
		mux.HandleFunc("/transcribe", transcribe)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, serverPort(t, srv)
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	_, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi: %v", err)
	}
	return port
}

// newTestStack wires a full orchestrator over fakes. Each template's port
// must point at a containerServer.
func newTestStack(t *testing.T, eng lifecycle.Engine, totalMB int, templates ...types.ModelTemplate) *Manager {
	t.Helper()
	reg, err := registry.New(templates)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	alloc := gpu.NewAllocator(totalMB, zerolog.Nop())
	lc := lifecycle.NewManager(eng, alloc, lifecycle.Config{
		PollInterval:   time.Millisecond,
		StartupTimeout: time.Second,
		SweepInterval:  time.Hour,
		PullPolicy:     "if_missing",
	}, zerolog.Nop())
	adapter := comms.NewAdapter(comms.Config{
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
		BackoffUnit:    time.Millisecond,
	}, zerolog.Nop())
	m := New(reg, alloc, lc, adapter, zerolog.Nop())
	t.Cleanup(func() { m.Cleanup(context.Background()) })
	return m
}
