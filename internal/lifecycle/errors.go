package lifecycle

import "strconv"

// insufficientResourcesError signals the GPU budget cannot fit the model.
// Recoverable: the caller may free another model first.
type insufficientResourcesError struct {
	modelID     string
	requiredMB  int
	availableMB int
}

func (e insufficientResourcesError) Error() string {
	return "insufficient GPU memory for " + e.modelID + ": need " +
		strconv.Itoa(e.requiredMB) + " MB, " + strconv.Itoa(e.availableMB) + " MB available"
}

// ErrInsufficientResources constructs an insufficientResourcesError.
func ErrInsufficientResources(modelID string, requiredMB, availableMB int) error {
	return insufficientResourcesError{modelID: modelID, requiredMB: requiredMB, availableMB: availableMB}
}

// IsInsufficientResources reports whether err indicates a GPU budget rejection.
func IsInsufficientResources(err error) bool {
	_, ok := err.(insufficientResourcesError)
	return ok
}

// startupFailedError covers image pull errors, engine run errors and
// readiness timeouts. Recoverable by retrying the start.
type startupFailedError struct {
	modelID string
	stage   string
	cause   error
}

func (e startupFailedError) Error() string {
	msg := "startup failed for " + e.modelID + " at " + e.stage
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e startupFailedError) Unwrap() error { return e.cause }

// ErrStartupFailed constructs a startupFailedError.
func ErrStartupFailed(modelID, stage string, cause error) error {
	return startupFailedError{modelID: modelID, stage: stage, cause: cause}
}

// IsStartupFailed reports whether err indicates a failed container start.
func IsStartupFailed(err error) bool {
	_, ok := err.(startupFailedError)
	return ok
}
