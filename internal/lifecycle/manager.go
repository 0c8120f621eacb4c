// Package lifecycle starts and stops model containers through the container
// engine and owns the background inactivity sweep. It is the only component
// allowed to talk to the engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whisperd/internal/gpu"
	"whisperd/pkg/types"
)

// State is the per-container state machine.
// (none) -> STARTING -> RUNNING, or STARTING -> ERROR.
// RUNNING -> STOPPING -> STOPPED. STOPPED and ERROR are terminal for the
// instance; a fresh start creates a new record.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Instance is the record for one managed container.
type Instance struct {
	ModelID      string
	ContainerID  string
	State        State
	CreatedAt    time.Time
	StartedAt    time.Time
	LastActivity time.Time
	GPUMemoryMB  int
	HealthChecks int
	Errors       int
}

// Config tunes the lifecycle manager. Zero durations take package defaults.
type Config struct {
	PullPolicy        string
	StartupTimeout    time.Duration
	PollInterval      time.Duration
	SweepInterval     time.Duration
	InactivityTimeout time.Duration
	StopTimeout       time.Duration
	MaxContainers     int
}

const (
	defaultStartupTimeout    = 60 * time.Second
	defaultPollInterval      = time.Second
	defaultSweepInterval     = 60 * time.Second
	defaultInactivityTimeout = 300 * time.Second
	defaultStopTimeout       = 10 * time.Second
)

// Manager supervises container instances and the idle sweep.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	starting  map[string]*startGate    // per-model in-flight starts
	stopping  map[string]chan struct{} // per-model in-flight stops; closed when done

	engine    Engine
	alloc     *gpu.Allocator
	cfg       Config
	log       zerolog.Logger
	publisher EventPublisher

	gpuOnce      sync.Once
	gpuSupported bool

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	started     bool

	now func() time.Time // overridable in tests
}

// NewManager builds a lifecycle manager over the given engine and allocator.
func NewManager(engine Engine, alloc *gpu.Allocator, cfg Config, log zerolog.Logger) *Manager {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Manager{
		instances: make(map[string]*Instance),
		starting:  make(map[string]*startGate),
		stopping:  make(map[string]chan struct{}),
		engine:    engine,
		alloc:     alloc,
		cfg:       cfg,
		log:       log.With().Str("component", "lifecycle").Logger(),
		publisher: noopPublisher{},
		now:       time.Now,
	}
}

// SetPublisher installs an event publisher. Must be called before Start.
func (m *Manager) SetPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

// Start launches the background sweep. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	m.started = true
	go m.sweepLoop(ctx, m.sweepDone)
	m.log.Info().Dur("interval", m.cfg.SweepInterval).Dur("inactivity_timeout", m.cfg.InactivityTimeout).
		Msg("lifecycle manager started")
}

// Stop cancels the sweep, awaits its completion, and stops every container.
// Safe to call multiple times.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.sweepCancel
	done := m.sweepDone
	m.mu.Unlock()

	cancel()
	<-done
	n := m.StopAll(ctx)
	m.log.Info().Int("stopped", n).Msg("lifecycle manager stopped")
}

func (m *Manager) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// startGate serializes concurrent starts of the same model: the winner runs
// the actual start and records its outcome; everyone else waits on done.
type startGate struct {
	done chan struct{}
	err  error
}

// StartContainer brings the model's container to RUNNING. Idempotent: an
// already RUNNING instance is returned unchanged. Concurrent calls for the
// same model serialize so only one performs the actual start; the others
// observe its outcome. A start arriving while the same model is STOPPING
// waits for the stop to finish before proceeding, so the stop's GPU release
// lands before the start's reserve.
func (m *Manager) StartContainer(ctx context.Context, tmpl types.ModelTemplate) (*Instance, error) {
	modelID := tmpl.ID
	var gate *startGate
	for {
		m.mu.Lock()
		if inst := m.instances[modelID]; inst != nil && inst.State == StateRunning {
			inst.LastActivity = m.now()
			snap := *inst
			m.mu.Unlock()
			m.alloc.TouchActivity(modelID)
			return &snap, nil
		}
		if stopDone, ok := m.stopping[modelID]; ok {
			m.mu.Unlock()
			select {
			case <-stopDone:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if pending, ok := m.starting[modelID]; ok {
			m.mu.Unlock()
			select {
			case <-pending.done:
				if pending.err != nil {
					return nil, pending.err
				}
				// Winner succeeded; loop to pick up the RUNNING instance.
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if m.cfg.MaxContainers > 0 && len(m.instances) >= m.cfg.MaxContainers {
			m.mu.Unlock()
			return nil, ErrStartupFailed(modelID, "admission",
				fmt.Errorf("max concurrent containers (%d) reached", m.cfg.MaxContainers))
		}
		gate = &startGate{done: make(chan struct{})}
		m.starting[modelID] = gate
		m.mu.Unlock()
		break
	}

	inst, err := m.doStart(ctx, tmpl)

	m.mu.Lock()
	delete(m.starting, modelID)
	m.mu.Unlock()
	gate.err = err
	close(gate.done)

	if err != nil {
		return nil, err
	}
	snap := *inst
	return &snap, nil
}

// doStart performs the reserve/pull/run/poll sequence. GPU memory reserved
// here is released exactly once on every failure path.
func (m *Manager) doStart(ctx context.Context, tmpl types.ModelTemplate) (*Instance, error) {
	modelID := tmpl.ID
	m.publisher.Publish(Event{Name: "start_begin", ModelID: modelID, Fields: map[string]any{"image": tmpl.Image}})
	m.log.Info().Str("model", modelID).Str("image", tmpl.Image).Int("gpu_mb", tmpl.GPUMemoryMB).Msg("starting container")

	if !m.alloc.Allocate(modelID, tmpl.GPUMemoryMB) {
		u := m.alloc.Utilization()
		m.publisher.Publish(Event{Name: "start_rejected", ModelID: modelID, Fields: map[string]any{"required_mb": tmpl.GPUMemoryMB, "available_mb": u.AvailableMB}})
		return nil, ErrInsufficientResources(modelID, tmpl.GPUMemoryMB, u.AvailableMB)
	}

	now := m.now()
	inst := &Instance{
		ModelID:      modelID,
		State:        StateStarting,
		CreatedAt:    now,
		LastActivity: now,
		GPUMemoryMB:  tmpl.GPUMemoryMB,
	}
	m.mu.Lock()
	m.instances[modelID] = inst
	m.mu.Unlock()

	fail := func(stage string, cause error, containerID string) error {
		if containerID != "" {
			stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
			if err := m.engine.StopContainer(stopCtx, containerID, m.cfg.StopTimeout); err != nil {
				m.log.Warn().Err(err).Str("model", modelID).Msg("stop after failed start")
			}
			if err := m.engine.RemoveContainer(stopCtx, containerID); err != nil {
				m.log.Warn().Err(err).Str("model", modelID).Msg("remove after failed start")
			}
			cancel()
		}
		m.alloc.Release(modelID)
		m.mu.Lock()
		inst.State = StateError
		inst.Errors++
		delete(m.instances, modelID)
		m.mu.Unlock()
		m.publisher.Publish(Event{Name: "start_failed", ModelID: modelID, Fields: map[string]any{"stage": stage, "error": cause.Error()}})
		m.log.Warn().Err(cause).Str("model", modelID).Str("stage", stage).Msg("container start failed")
		return ErrStartupFailed(modelID, stage, cause)
	}

	if err := m.ensureImage(ctx, tmpl.Image); err != nil {
		return nil, fail("pull", err, "")
	}

	containerID, err := m.engine.RunContainer(ctx, RunSpec{
		Name:          "whisperd-" + modelID,
		Image:         tmpl.Image,
		Port:          tmpl.Port,
		Env:           tmpl.Env,
		Volumes:       tmpl.Volumes,
		RestartPolicy: tmpl.RestartPolicy,
		GPU:           m.hostGPUSupported(ctx),
	})
	if err != nil {
		return nil, fail("run", err, "")
	}
	m.mu.Lock()
	inst.ContainerID = containerID
	m.mu.Unlock()

	// Readiness poll: wait for the engine to report running, or give up.
	deadline := m.now().Add(m.cfg.StartupTimeout)
	for {
		state, serr := m.engine.ContainerState(ctx, containerID)
		if serr == nil {
			switch state {
			case "running":
				now := m.now()
				m.mu.Lock()
				inst.State = StateRunning
				inst.StartedAt = now
				inst.LastActivity = now
				m.mu.Unlock()
				containersStarted.Inc()
				m.publisher.Publish(Event{Name: "start_ready", ModelID: modelID, Fields: map[string]any{"container": shortID(containerID)}})
				m.log.Info().Str("model", modelID).Str("container", shortID(containerID)).Msg("container running")
				return inst, nil
			case "exited", "dead":
				return nil, fail("readiness", fmt.Errorf("container %s %s during startup", shortID(containerID), state), containerID)
			}
		}
		if m.now().After(deadline) {
			return nil, fail("readiness", errors.New("startup timeout"), containerID)
		}
		select {
		case <-time.After(m.cfg.PollInterval):
		case <-ctx.Done():
			return nil, fail("readiness", ctx.Err(), containerID)
		}
	}
}

// ensureImage applies the configured pull policy.
func (m *Manager) ensureImage(ctx context.Context, image string) error {
	switch m.cfg.PullPolicy {
	case "never":
		present, err := m.engine.HasImage(ctx, image)
		if err != nil {
			return err
		}
		if !present {
			return fmt.Errorf("image %s not present and pull_policy is never", image)
		}
		return nil
	case "always":
		return m.engine.PullImage(ctx, image)
	default: // if_missing
		present, err := m.engine.HasImage(ctx, image)
		if err != nil {
			return err
		}
		if present {
			return nil
		}
		return m.engine.PullImage(ctx, image)
	}
}

// StopContainer stops and removes the model's container and releases its GPU
// reservation. Returns false when no RUNNING instance exists.
func (m *Manager) StopContainer(ctx context.Context, modelID string) bool {
	m.mu.Lock()
	inst := m.instances[modelID]
	if inst == nil || inst.State != StateRunning {
		m.mu.Unlock()
		return false
	}
	inst.State = StateStopping
	containerID := inst.ContainerID
	stopDone := make(chan struct{})
	m.stopping[modelID] = stopDone
	m.mu.Unlock()

	if containerID != "" {
		if err := m.engine.StopContainer(ctx, containerID, m.cfg.StopTimeout); err != nil {
			m.log.Warn().Err(err).Str("model", modelID).Msg("engine stop")
		}
		if err := m.engine.RemoveContainer(ctx, containerID); err != nil {
			m.log.Warn().Err(err).Str("model", modelID).Msg("engine remove")
		}
	}
	m.alloc.Release(modelID)

	m.mu.Lock()
	inst.State = StateStopped
	// Only remove our own record: a start that raced past the gate may have
	// installed a fresh instance under the same key.
	if m.instances[modelID] == inst {
		delete(m.instances, modelID)
	}
	delete(m.stopping, modelID)
	m.mu.Unlock()
	close(stopDone)
	containersStopped.Inc()
	m.publisher.Publish(Event{Name: "stop_done", ModelID: modelID, Fields: map[string]any{}})
	m.log.Info().Str("model", modelID).Str("container", shortID(containerID)).Msg("container stopped")
	return true
}

// StopAll stops every instance; used on shutdown. Returns the count stopped.
func (m *Manager) StopAll(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if m.StopContainer(ctx, id) {
			n++
		}
	}
	return n
}

// TouchActivity refreshes the instance's last-activity and forwards the
// touch to the allocator. Returns false when no instance exists.
func (m *Manager) TouchActivity(modelID string) bool {
	m.mu.Lock()
	inst := m.instances[modelID]
	if inst == nil {
		m.mu.Unlock()
		return false
	}
	inst.LastActivity = m.now()
	m.mu.Unlock()
	m.alloc.TouchActivity(modelID)
	return true
}

// RecordHealth updates the instance's health counters after a caller-driven
// health check.
func (m *Manager) RecordHealth(modelID string, healthy bool) {
	m.mu.Lock()
	if inst := m.instances[modelID]; inst != nil {
		inst.HealthChecks++
		if !healthy {
			inst.Errors++
		}
	}
	m.mu.Unlock()
}

// Running reports whether the model currently has a RUNNING instance.
func (m *Manager) Running(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.instances[modelID]
	return inst != nil && inst.State == StateRunning
}

// Sweep stops containers idle past the inactivity timeout and returns the
// count stopped. Individual stop failures are logged, never propagated.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.RLock()
	var idle []string
	for id, inst := range m.instances {
		if inst.State == StateRunning && now.Sub(inst.LastActivity) > m.cfg.InactivityTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range idle {
		if m.StopContainer(ctx, id) {
			n++
			sweepStops.Inc()
			m.publisher.Publish(Event{Name: "sweep_stop", ModelID: id, Fields: map[string]any{}})
		}
	}
	if n > 0 {
		m.log.Info().Int("stopped", n).Msg("idle sweep")
	}
	return n
}

// Logs is best-effort diagnostics; empty string on any failure.
func (m *Manager) Logs(ctx context.Context, modelID string, lines int) string {
	m.mu.RLock()
	inst := m.instances[modelID]
	var containerID string
	if inst != nil {
		containerID = inst.ContainerID
	}
	m.mu.RUnlock()
	if containerID == "" {
		return ""
	}
	out, err := m.engine.ContainerLogs(ctx, containerID, lines)
	if err != nil {
		m.log.Warn().Err(err).Str("model", modelID).Msg("fetch logs")
		return ""
	}
	return out
}

// Stats is best-effort diagnostics; nil on any failure.
func (m *Manager) Stats(ctx context.Context, modelID string) map[string]any {
	m.mu.RLock()
	inst := m.instances[modelID]
	var containerID string
	if inst != nil {
		containerID = inst.ContainerID
	}
	m.mu.RUnlock()
	if containerID == "" {
		return nil
	}
	out, err := m.engine.ContainerStats(ctx, containerID)
	if err != nil {
		m.log.Warn().Err(err).Str("model", modelID).Msg("fetch stats")
		return nil
	}
	return out
}

// Summary snapshots all instances for observability.
func (m *Manager) Summary() types.LifecycleSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := types.LifecycleSummary{
		Total:     len(m.instances),
		Instances: make([]types.InstanceStatus, 0, len(m.instances)),
	}
	for _, inst := range m.instances {
		is := types.InstanceStatus{
			ModelID:      inst.ModelID,
			ContainerID:  shortID(inst.ContainerID),
			State:        string(inst.State),
			CreatedAt:    inst.CreatedAt.Unix(),
			LastActivity: inst.LastActivity.Unix(),
			GPUMemoryMB:  inst.GPUMemoryMB,
			HealthChecks: inst.HealthChecks,
			Errors:       inst.Errors,
		}
		if !inst.StartedAt.IsZero() {
			is.StartedAt = inst.StartedAt.Unix()
		}
		switch inst.State {
		case StateRunning:
			s.Running++
		case StateStarting:
			s.Starting++
		case StateError:
			s.Errored++
		}
		s.Instances = append(s.Instances, is)
	}
	return s
}

func (m *Manager) hostGPUSupported(ctx context.Context) bool {
	m.gpuOnce.Do(func() {
		m.gpuSupported = m.engine.GPUSupported(ctx)
		m.log.Info().Bool("gpu", m.gpuSupported).Msg("engine GPU support probed")
	})
	return m.gpuSupported
}
