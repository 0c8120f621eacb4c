// Package orchestrator is the façade over the registry, GPU allocator,
// lifecycle manager and communication adapter. Callers see a single
// "set active model / transcribe" contract; the coordination between the
// components stays in here.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whisperd/internal/common/fsutil"
	"whisperd/internal/comms"
	"whisperd/internal/gpu"
	"whisperd/internal/lifecycle"
	"whisperd/internal/registry"
	"whisperd/pkg/types"
)

// TranscribeOptions carries the optional parameters of a transcription call.
type TranscribeOptions struct {
	Model    string
	Format   string // json|text|srt
	Language string
	Progress func(stage string)
}

// ModelInfo combines the static template with live container info when the
// model is connected.
type ModelInfo struct {
	Template types.ModelTemplate `json:"template"`
	Live     map[string]any      `json:"live,omitempty"`
}

// Manager composes the four components behind one coherent contract.
type Manager struct {
	mu           sync.RWMutex
	initialized  bool
	current      string
	defaultModel string

	reg       *registry.Registry
	alloc     *gpu.Allocator
	lifecycle *lifecycle.Manager
	comms     *comms.Adapter
	host      string // container host, defaults to localhost
	log       zerolog.Logger

	healthInterval time.Duration
	healthCancel   context.CancelFunc
	healthDone     chan struct{}
}

// New wires the components together. Initialize must be called before use.
// The lifecycle manager's publisher is replaced so container stops (explicit
// or via the idle sweep) tear down the matching connection.
func New(reg *registry.Registry, alloc *gpu.Allocator, lc *lifecycle.Manager, adapter *comms.Adapter, log zerolog.Logger) *Manager {
	m := &Manager{
		reg:       reg,
		alloc:     alloc,
		lifecycle: lc,
		comms:     adapter,
		host:      "localhost",
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
	lc.SetPublisher(stopNotifier{m})
	return m
}

// stopNotifier reacts to lifecycle stop events: a stopped container must not
// keep a live connection record or remain the current model.
type stopNotifier struct{ m *Manager }

func (n stopNotifier) Publish(ev lifecycle.Event) {
	if ev.Name != "stop_done" {
		return
	}
	n.m.comms.Disconnect(ev.ModelID)
	n.m.mu.Lock()
	if n.m.current == ev.ModelID {
		n.m.current = ""
	}
	n.m.mu.Unlock()
}

// SetDefaultModel sets the model used when a transcription request names none
// and no model is active. Call before Initialize.
func (m *Manager) SetDefaultModel(id string) { m.defaultModel = id }

// SetHealthCheckInterval enables the background health monitor over connected
// containers. Zero leaves it off. Call before Initialize.
func (m *Manager) SetHealthCheckInterval(d time.Duration) { m.healthInterval = d }

// Initialize starts the background sweep. Idempotent: a second call logs a
// warning and succeeds.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		m.log.Warn().Msg("initialize called twice")
		return nil
	}
	m.initialized = true
	if m.healthInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.healthCancel = cancel
		m.healthDone = make(chan struct{})
		go m.healthLoop(ctx, m.healthDone)
	}
	m.mu.Unlock()
	m.lifecycle.Start()
	m.log.Info().Int("models", len(m.reg.IDs())).Int("gpu_total_mb", m.alloc.TotalMB()).Msg("orchestrator initialized")
	return nil
}

// healthLoop pings every connected container at the configured interval and
// folds the outcome into the lifecycle counters. A failed check is recorded
// but does not stop the container; the next SetModel for that model restarts
// it when it stays unhealthy.
func (m *Manager) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, cs := range m.comms.Summary().Connections {
				if cs.State != string(comms.StateConnected) {
					continue
				}
				healthy := m.comms.HealthCheck(ctx, cs.ContainerID)
				m.lifecycle.RecordHealth(cs.ContainerID, healthy)
				if !healthy {
					m.log.Warn().Str("model", cs.ContainerID).Msg("periodic health check failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// ListAvailableModels returns every template in the catalog.
func (m *Manager) ListAvailableModels() []types.ModelTemplate {
	return m.reg.List()
}

// GetModelInfo returns the template plus, when connected, the container's
// self-reported info.
func (m *Manager) GetModelInfo(ctx context.Context, id string) (ModelInfo, error) {
	tmpl, ok := m.reg.Get(id)
	if !ok {
		return ModelInfo{}, ErrModelNotFound(id)
	}
	info := ModelInfo{Template: tmpl}
	if m.comms.IsConnected(id) {
		info.Live = m.comms.Info(ctx, id)
	}
	return info, nil
}

// GetCurrentModel returns the active model id, empty when none.
func (m *Manager) GetCurrentModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetModel makes modelID the active model: registry lookup, GPU pre-check,
// container start, connect. A failure after the container started rolls the
// start back, so a failed call never leaves an orphaned container or GPU
// reservation.
func (m *Manager) SetModel(ctx context.Context, modelID string) error {
	if !m.ready() {
		return ErrNotInitialized()
	}
	start := time.Now()

	// No-op when already current and healthy.
	m.mu.RLock()
	isCurrent := m.current == modelID
	m.mu.RUnlock()
	if isCurrent && m.lifecycle.Running(modelID) {
		healthy := m.comms.HealthCheck(ctx, modelID)
		m.lifecycle.RecordHealth(modelID, healthy)
		if healthy {
			m.lifecycle.TouchActivity(modelID)
			return nil
		}
		// Drop the stale CONNECTED record so the Connect below re-probes
		// instead of taking its idempotent fast-path.
		m.comms.MarkError(modelID)
		m.log.Warn().Str("model", modelID).Msg("current model unhealthy, restarting")
	}

	tmpl, ok := m.reg.Get(modelID)
	if !ok {
		return ErrModelNotFound(modelID)
	}

	// Fail fast before touching the engine when the budget cannot fit.
	if !m.lifecycle.Running(modelID) && !m.alloc.CanAllocate(tmpl.GPUMemoryMB) {
		u := m.alloc.Utilization()
		return lifecycle.ErrInsufficientResources(modelID, tmpl.GPUMemoryMB, u.AvailableMB)
	}

	if _, err := m.lifecycle.StartContainer(ctx, tmpl); err != nil {
		return err
	}

	if !m.comms.Connect(ctx, modelID, m.host, tmpl.Port) {
		// Roll back the start: never leave a container without a channel.
		m.comms.Disconnect(modelID)
		m.lifecycle.StopContainer(ctx, modelID)
		setModelFailures.Inc()
		return ErrConnectionFailed(modelID)
	}

	m.mu.Lock()
	m.current = modelID
	m.mu.Unlock()
	m.log.Info().Str("model", modelID).Dur("dur", time.Since(start)).Msg("model activated")
	return nil
}

// resolveModel picks the explicit model, the current one, or the configured
// default, in that order.
func (m *Manager) resolveModel(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != "" {
		return cur, nil
	}
	if m.defaultModel != "" {
		return m.defaultModel, nil
	}
	return "", ErrModelNotFound("(unspecified)")
}

// TranscribeData routes audio bytes to the target model's container,
// activating it first when needed. The result is annotated with the model id
// and total processing time.
func (m *Manager) TranscribeData(ctx context.Context, audio []byte, opts TranscribeOptions) (*types.TranscriptionResult, error) {
	if !m.ready() {
		return nil, ErrNotInitialized()
	}
	modelID, err := m.resolveModel(opts.Model)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	isCurrent := m.current == modelID
	m.mu.RUnlock()
	if !isCurrent || !m.lifecycle.Running(modelID) || !m.comms.IsConnected(modelID) {
		if err := m.SetModel(ctx, modelID); err != nil {
			return nil, err
		}
	}

	m.lifecycle.TouchActivity(modelID)
	start := time.Now()
	result, err := m.comms.Transcribe(ctx, modelID, audio, opts.Format, opts.Language, opts.Progress)
	dur := time.Since(start)
	if err != nil {
		transcriptions.WithLabelValues("error").Inc()
		m.log.Warn().Err(err).Str("model", modelID).Dur("dur", dur).Msg("transcription failed")
		return nil, err
	}
	result.Model = modelID
	result.ProcessingTime = dur.Seconds()
	transcriptions.WithLabelValues("ok").Inc()
	transcriptionDuration.Observe(dur.Seconds())
	m.log.Info().Str("model", modelID).Dur("dur", dur).Int("audio_bytes", len(audio)).Msg("transcription done")
	return result, nil
}

// TranscribeFile reads the file and delegates to TranscribeData.
func (m *Manager) TranscribeFile(ctx context.Context, path string, opts TranscribeOptions) (*types.TranscriptionResult, error) {
	if !m.ready() {
		return nil, ErrNotInitialized()
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return m.TranscribeData(ctx, audio, opts)
}

// GetSystemStatus merges every component's snapshot.
func (m *Manager) GetSystemStatus() types.SystemStatus {
	m.mu.RLock()
	initialized := m.initialized
	current := m.current
	m.mu.RUnlock()
	return types.SystemStatus{
		Initialized:  initialized,
		CurrentModel: current,
		GPU:          m.alloc.Utilization(),
		Lifecycle:    m.lifecycle.Summary(),
		Connections:  m.comms.Summary(),
		Registry:     m.reg.Summary(),
	}
}

// Ready reports whether the orchestrator accepts requests.
func (m *Manager) Ready() bool { return m.ready() }

// Cleanup stops the lifecycle manager (all containers, all allocations),
// disconnects everything and clears the current model. Safe to call
// multiple times; requests after Cleanup fail fast with not initialized.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	wasInitialized := m.initialized
	m.initialized = false
	m.current = ""
	cancel := m.healthCancel
	done := m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.lifecycle.Stop(ctx)
	m.comms.Cleanup()
	if wasInitialized {
		m.log.Info().Msg("orchestrator cleaned up")
	}
}
