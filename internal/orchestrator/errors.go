package orchestrator

// modelNotFoundError is returned when a requested model id has no template.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// notInitializedError signals use before Initialize or after Cleanup.
type notInitializedError struct{}

func (notInitializedError) Error() string { return "orchestrator not initialized" }

// ErrNotInitialized constructs a notInitializedError.
func ErrNotInitialized() error { return notInitializedError{} }

// IsNotInitialized reports whether err indicates the orchestrator is down.
func IsNotInitialized(err error) bool {
	_, ok := err.(notInitializedError)
	return ok
}

// connectionFailedError signals the container started but its channel could
// not be established; the started container has already been rolled back.
type connectionFailedError struct{ modelID string }

func (e connectionFailedError) Error() string {
	return "failed to connect to container for " + e.modelID
}

// ErrConnectionFailed constructs a connectionFailedError.
func ErrConnectionFailed(modelID string) error { return connectionFailedError{modelID: modelID} }

// IsConnectionFailed reports whether err indicates a post-start connect failure.
func IsConnectionFailed(err error) bool {
	_, ok := err.(connectionFailedError)
	return ok
}
