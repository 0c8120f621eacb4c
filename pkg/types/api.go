package types

// GPUAllocationStatus reports one active reservation.
type GPUAllocationStatus struct {
	ContainerID  string `json:"container_id"`
	MemoryMB     int    `json:"memory_mb"`
	AllocatedAt  int64  `json:"allocated_at"`
	LastActivity int64  `json:"last_activity"`
}

// GPUUtilization is a point-in-time snapshot of the GPU memory budget.
type GPUUtilization struct {
	TotalMB     int                   `json:"total_mb"`
	AllocatedMB int                   `json:"allocated_mb"`
	AvailableMB int                   `json:"available_mb"`
	Percent     float64               `json:"percent"`
	Allocations []GPUAllocationStatus `json:"allocations"`
}

// InstanceStatus reports one managed container.
type InstanceStatus struct {
	ModelID      string `json:"model_id"`
	ContainerID  string `json:"container_id,omitempty"`
	State        string `json:"state"`
	CreatedAt    int64  `json:"created_at"`
	StartedAt    int64  `json:"started_at,omitempty"`
	LastActivity int64  `json:"last_activity"`
	GPUMemoryMB  int    `json:"gpu_memory_mb"`
	HealthChecks int    `json:"health_checks"`
	Errors       int    `json:"errors"`
}

// LifecycleSummary aggregates the lifecycle manager's view.
type LifecycleSummary struct {
	Total     int              `json:"total"`
	Running   int              `json:"running"`
	Starting  int              `json:"starting"`
	Errored   int              `json:"errored"`
	Instances []InstanceStatus `json:"instances"`
}

// ConnectionStatus reports one adapter connection.
type ConnectionStatus struct {
	ContainerID  string `json:"container_id"`
	BaseURL      string `json:"base_url"`
	State        string `json:"state"`
	ConnectedAt  int64  `json:"connected_at,omitempty"`
	LastActivity int64  `json:"last_activity"`
	HealthChecks int    `json:"health_checks"`
	Errors       int    `json:"errors"`
}

// ConnectionSummary aggregates the communication adapter's view.
type ConnectionSummary struct {
	Total       int                `json:"total"`
	Connected   int                `json:"connected"`
	Errored     int                `json:"errored"`
	Connections []ConnectionStatus `json:"connections"`
}

// RegistrySummary describes the static model catalog.
type RegistrySummary struct {
	Models []string `json:"models"`
	Count  int      `json:"count"`
}

// SystemStatus merges every component's snapshot for /status.
type SystemStatus struct {
	Initialized  bool              `json:"initialized"`
	CurrentModel string            `json:"current_model,omitempty"`
	GPU          GPUUtilization    `json:"gpu"`
	Lifecycle    LifecycleSummary  `json:"lifecycle"`
	Connections  ConnectionSummary `json:"connections"`
	Registry     RegistrySummary   `json:"registry"`
}

// ErrorResponse is the JSON error payload returned by the HTTP layer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
