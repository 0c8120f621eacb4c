// Package httpapi exposes the orchestrator over HTTP: transcription,
// model catalog and activation, health, status and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"whisperd/internal/comms"
	"whisperd/internal/lifecycle"
	"whisperd/internal/orchestrator"
	"whisperd/pkg/types"
)

// Service defines the orchestrator methods required by the HTTP layer.
type Service interface {
	ListAvailableModels() []types.ModelTemplate
	GetModelInfo(ctx context.Context, id string) (orchestrator.ModelInfo, error)
	SetModel(ctx context.Context, id string) error
	GetCurrentModel() string
	GetSystemStatus() types.SystemStatus
	TranscribeData(ctx context.Context, audio []byte, opts orchestrator.TranscribeOptions) (*types.TranscriptionResult, error)
	Ready() bool
}

// maxUploadBytes bounds transcription uploads (100 MiB).
const maxUploadBytes = 100 << 20

// zlog is an optional structured logger. If unset, the HTTP layer stays quiet.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// NewMux builds the operational router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// List the model catalog
	// @Summary  List available models
	// @Produce  json
	// @Success  200 {object} map[string]any
	// @Router   /models [get]
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"models":  svc.ListAvailableModels(),
			"current": svc.GetCurrentModel(),
		})
	})

	// @Summary  Model detail with live container info
	// @Produce  json
	// @Router   /models/{id} [get]
	r.Get("/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, err := svc.GetModelInfo(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, info)
	})

	// @Summary  Activate a model (start its container and connect)
	// @Produce  json
	// @Router   /models/{id}/activate [post]
	r.Post("/models/{id}/activate", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.SetModel(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if zlog != nil {
			z := zlog.Info().Str("model", id)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("model activated via http")
		}
		writeJSON(w, map[string]any{"current": svc.GetCurrentModel()})
	})

	// @Summary  Transcribe an audio upload
	// @Accept   mpfd
	// @Produce  json
	// @Param    file formData file true "Audio file"
	// @Param    model formData string false "Model id (defaults to the active model)"
	// @Param    language formData string false "Language hint"
	// @Success  200 {object} types.TranscriptionResult
	// @Router   /transcribe [post]
	r.Post("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		audio, model, language, err := readAudioUpload(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := svc.TranscribeData(r.Context(), audio, orchestrator.TranscribeOptions{
			Model:    model,
			Language: language,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, res)
	})

	// @Summary  Merged system status
	// @Produce  json
	// @Success  200 {object} types.SystemStatus
	// @Router   /status [get]
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.GetSystemStatus())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	r.Handle("/metrics", promhttp.Handler())
	MountSwagger(r)
	return r
}

// readAudioUpload extracts the audio payload plus model/language hints.
// Multipart requests carry the audio in the "file" field; any other content
// type is treated as a raw audio body with hints in the query string.
func readAudioUpload(r *http.Request) (audio []byte, model, language string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		f, _, ferr := r.FormFile("file")
		if ferr != nil {
			return nil, "", "", fmt.Errorf("missing multipart field %q: %w", "file", ferr)
		}
		defer f.Close()
		audio, err = io.ReadAll(f)
		if err != nil {
			return nil, "", "", fmt.Errorf("read upload: %w", err)
		}
		return audio, r.FormValue("model"), r.FormValue("language"), nil
	}
	audio, err = io.ReadAll(r.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("read body: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", "", fmt.Errorf("empty audio payload")
	}
	q := r.URL.Query()
	return audio, q.Get("model"), q.Get("language"), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// writeServiceError maps orchestrator errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case orchestrator.IsModelNotFound(err):
		status = http.StatusNotFound
	case orchestrator.IsNotInitialized(err):
		status = http.StatusServiceUnavailable
	case lifecycle.IsInsufficientResources(err):
		status = http.StatusConflict
	case lifecycle.IsStartupFailed(err), orchestrator.IsConnectionFailed(err):
		status = http.StatusBadGateway
	case comms.IsNotConnected(err), comms.IsTranscriptionFailed(err):
		status = http.StatusBadGateway
	}
	if zlog != nil {
		z := zlog.Warn().Int("status", status).Str("path", r.URL.Path)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Err(err).Msg("request failed")
	}
	writeJSONError(w, status, err.Error())
}
