package types

// ModelTemplate describes how to run one ASR model's container.
// Templates are static configuration; the registry validates them at load time.
type ModelTemplate struct {
	// Stable identifier for the model.
	// example: whisper-tiny
	ID string `json:"id" yaml:"id" toml:"id" example:"whisper-tiny"`
	// Container image reference.
	// example: ghcr.io/acme/whisper-tiny:latest
	Image string `json:"image" yaml:"image" toml:"image" example:"ghcr.io/acme/whisper-tiny:latest"`
	// TCP port the container's HTTP server listens on.
	// example: 9001
	Port int `json:"port" yaml:"port" toml:"port" example:"9001"`
	// GPU memory the model needs, in MB.
	// example: 2048
	GPUMemoryMB int `json:"gpu_memory_mb" yaml:"gpu_memory_mb" toml:"gpu_memory_mb" example:"2048"`
	// Environment variables passed to the container.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	// Host path -> container path volume mounts.
	Volumes map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty" toml:"volumes,omitempty"`
	// Engine restart policy (e.g., "no", "on-failure", "unless-stopped").
	// example: no
	RestartPolicy string `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty" toml:"restart_policy,omitempty" example:"no"`
	// Languages the model supports; empty means auto/any.
	Languages []string `json:"languages,omitempty" yaml:"languages,omitempty" toml:"languages,omitempty"`
	// Audio sample rate the model expects, in Hz.
	// example: 16000
	SampleRate int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty" toml:"sample_rate,omitempty" example:"16000"`
}

// Segment is one timed span of recognized speech.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the parsed payload returned by a model container,
// annotated by the orchestrator with the model id and total processing time.
type TranscriptionResult struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Language string    `json:"language,omitempty"`
	Model    string    `json:"model,omitempty"`
	// Total wall-clock processing time in seconds, set by the orchestrator.
	ProcessingTime float64 `json:"processing_time,omitempty"`
}
