// Package comms is the only component that speaks to a running model
// container over the network. It tracks one connection record per container
// and bounds every call with the shared client's request timeout.
package comms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whisperd/pkg/types"
)

// State is the per-connection state machine.
// DISCONNECTED -> CONNECTING -> CONNECTED, or CONNECTING -> ERROR.
// CONNECTED -> ERROR on a failed health check or exhausted retries.
// There is no automatic ERROR -> CONNECTED transition; callers reconnect.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// connection is the record for one container with an established channel.
type connection struct {
	containerID  string
	baseURL      string
	state        State
	connectedAt  time.Time
	lastActivity time.Time
	healthChecks int
	errors       int
}

// Config tunes the adapter. Zero values take package defaults.
type Config struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int // retries after the first attempt
	BackoffUnit    time.Duration
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultMaxRetries     = 2
	defaultBackoffUnit    = time.Second
)

// Adapter manages HTTP connections to running containers.
type Adapter struct {
	mu          sync.RWMutex
	conns       map[string]*connection
	client      *http.Client
	reqTimeout  time.Duration
	connTimeout time.Duration
	maxRetries  int
	backoffUnit time.Duration
	log         zerolog.Logger
}

// NewAdapter builds an adapter owning a shared HTTP client.
func NewAdapter(cfg Config, log zerolog.Logger) *Adapter {
	a := &Adapter{
		conns:       make(map[string]*connection),
		reqTimeout:  cfg.RequestTimeout,
		connTimeout: cfg.ConnectTimeout,
		maxRetries:  cfg.MaxRetries,
		backoffUnit: cfg.BackoffUnit,
		log:         log.With().Str("component", "comms").Logger(),
	}
	if a.reqTimeout <= 0 {
		a.reqTimeout = defaultRequestTimeout
	}
	if a.connTimeout <= 0 {
		a.connTimeout = defaultConnectTimeout
	}
	if a.maxRetries <= 0 {
		a.maxRetries = defaultMaxRetries
	}
	if a.backoffUnit <= 0 {
		a.backoffUnit = defaultBackoffUnit
	}
	a.client = a.newClient()
	return a
}

func (a *Adapter) newClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   a.connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: a.reqTimeout}
}

// Connect establishes a channel to the container by probing its health
// endpoint. Idempotent: an already CONNECTED container returns true
// without a new probe.
func (a *Adapter) Connect(ctx context.Context, containerID, host string, port int) bool {
	if host == "" {
		host = "localhost"
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	a.mu.Lock()
	if c, ok := a.conns[containerID]; ok && c.state == StateConnected {
		a.mu.Unlock()
		return true
	}
	c := &connection{
		containerID:  containerID,
		baseURL:      baseURL,
		state:        StateConnecting,
		lastActivity: time.Now(),
	}
	a.conns[containerID] = c
	a.mu.Unlock()

	ok := a.probeHealth(ctx, baseURL)

	a.mu.Lock()
	defer a.mu.Unlock()
	c, present := a.conns[containerID]
	if !present {
		// Disconnected while we probed.
		return false
	}
	c.healthChecks++
	if !ok {
		c.state = StateError
		c.errors++
		a.log.Warn().Str("container", containerID).Str("url", baseURL).Msg("connect failed")
		return false
	}
	now := time.Now()
	c.state = StateConnected
	c.connectedAt = now
	c.lastActivity = now
	a.log.Info().Str("container", containerID).Str("url", baseURL).Msg("connected")
	return true
}

// Disconnect removes the connection record unconditionally.
// Returns false only when no record exists.
func (a *Adapter) Disconnect(containerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.conns[containerID]; !ok {
		return false
	}
	delete(a.conns, containerID)
	a.log.Info().Str("container", containerID).Msg("disconnected")
	return true
}

// IsConnected reports whether the container has a CONNECTED channel.
func (a *Adapter) IsConnected(containerID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.conns[containerID]
	return ok && c.state == StateConnected
}

// HealthCheck performs a single GET /health and updates counters.
// It does not change the stored state; callers interpret the result.
func (a *Adapter) HealthCheck(ctx context.Context, containerID string) bool {
	a.mu.RLock()
	c, ok := a.conns[containerID]
	var baseURL string
	if ok {
		baseURL = c.baseURL
	}
	a.mu.RUnlock()
	if !ok {
		return false
	}
	healthy := a.probeHealth(ctx, baseURL)
	a.mu.Lock()
	if c, ok := a.conns[containerID]; ok {
		c.healthChecks++
		if !healthy {
			c.errors++
		}
	}
	a.mu.Unlock()
	return healthy
}

// MarkError transitions a connection to ERROR, e.g. after a caller decides a
// failed health check is terminal.
func (a *Adapter) MarkError(containerID string) {
	a.mu.Lock()
	if c, ok := a.conns[containerID]; ok {
		c.state = StateError
	}
	a.mu.Unlock()
}

func (a *Adapter) probeHealth(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// Transcribe POSTs multipart audio to the container and parses the JSON
// result. Network errors and non-2xx responses are retried with linear
// backoff (attempt x backoff unit) up to the configured retry budget; the
// aggregated last error surfaces once retries are exhausted.
// The result is model-agnostic; the caller tags it with the model id.
func (a *Adapter) Transcribe(ctx context.Context, containerID string, audio []byte, responseFormat, language string, progress func(stage string)) (*types.TranscriptionResult, error) {
	a.mu.RLock()
	c, ok := a.conns[containerID]
	connected := ok && c.state == StateConnected
	var baseURL string
	if ok {
		baseURL = c.baseURL
	}
	a.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected(containerID)
	}
	if responseFormat == "" {
		responseFormat = "json"
	}

	attempts := a.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * a.backoffUnit
			a.log.Warn().Str("container", containerID).Int("attempt", attempt).
				Dur("backoff", backoff).Err(lastErr).Msg("transcribe retry")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}
		if progress != nil {
			progress(fmt.Sprintf("attempt %d/%d", attempt, attempts))
		}
		result, err := a.transcribeOnce(ctx, baseURL, audio, responseFormat, language)
		if err == nil {
			a.mu.Lock()
			if c, ok := a.conns[containerID]; ok {
				c.lastActivity = time.Now()
			}
			a.mu.Unlock()
			if progress != nil {
				progress("done")
			}
			return result, nil
		}
		lastErr = err
		a.mu.Lock()
		if c, ok := a.conns[containerID]; ok {
			c.errors++
		}
		a.mu.Unlock()
		if ctx.Err() != nil {
			break
		}
	}
	// Exhausted retries: the channel is no longer trusted.
	a.MarkError(containerID)
	return nil, transcriptionFailedError{containerID: containerID, attempts: attempts, last: lastErr}
}

func (a *Adapter) transcribeOnce(ctx context.Context, baseURL string, audio []byte, responseFormat, language string) (*types.TranscriptionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, err
	}
	if err := mw.WriteField("response_format", responseFormat); err != nil {
		return nil, err
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transcribe", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.New("container http error: " + resp.Status + ": " + strings.TrimSpace(string(b)))
	}
	var result types.TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed transcription response: %w", err)
	}
	return &result, nil
}

// ListModels is a best-effort GET /models passthrough; nil on any failure.
func (a *Adapter) ListModels(ctx context.Context, containerID string) []string {
	var payload struct {
		Models []string `json:"models"`
	}
	if !a.getJSON(ctx, containerID, "/models", &payload) {
		return nil
	}
	return payload.Models
}

// Info is a best-effort GET /info passthrough; nil on any failure.
func (a *Adapter) Info(ctx context.Context, containerID string) map[string]any {
	var payload map[string]any
	if !a.getJSON(ctx, containerID, "/info", &payload) {
		return nil
	}
	return payload
}

func (a *Adapter) getJSON(ctx context.Context, containerID, path string, out any) bool {
	a.mu.RLock()
	c, ok := a.conns[containerID]
	var baseURL string
	if ok {
		baseURL = c.baseURL
	}
	a.mu.RUnlock()
	if !ok {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

// Summary snapshots all connections for observability.
func (a *Adapter) Summary() types.ConnectionSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := types.ConnectionSummary{
		Total:       len(a.conns),
		Connections: make([]types.ConnectionStatus, 0, len(a.conns)),
	}
	for _, c := range a.conns {
		cs := types.ConnectionStatus{
			ContainerID:  c.containerID,
			BaseURL:      c.baseURL,
			State:        string(c.state),
			LastActivity: c.lastActivity.Unix(),
			HealthChecks: c.healthChecks,
			Errors:       c.errors,
		}
		if !c.connectedAt.IsZero() {
			cs.ConnectedAt = c.connectedAt.Unix()
		}
		switch c.state {
		case StateConnected:
			s.Connected++
		case StateError:
			s.Errored++
		}
		s.Connections = append(s.Connections, cs)
	}
	return s
}

// Cleanup drops every connection and recreates the shared client.
func (a *Adapter) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns = make(map[string]*connection)
	a.client.CloseIdleConnections()
	a.client = a.newClient()
	a.log.Info().Msg("communication adapter cleaned up")
}
