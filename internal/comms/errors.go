package comms

import "strconv"

// notConnectedError signals the target container has no CONNECTED channel.
type notConnectedError struct{ containerID string }

func (e notConnectedError) Error() string { return "not connected: " + e.containerID }

// ErrNotConnected constructs a notConnectedError.
func ErrNotConnected(containerID string) error { return notConnectedError{containerID: containerID} }

// IsNotConnected reports whether err indicates a missing/unestablished connection.
func IsNotConnected(err error) bool {
	_, ok := err.(notConnectedError)
	return ok
}

// transcriptionFailedError carries the aggregated last error after retries.
type transcriptionFailedError struct {
	containerID string
	attempts    int
	last        error
}

func (e transcriptionFailedError) Error() string {
	return "transcription failed for " + e.containerID + " after " +
		strconv.Itoa(e.attempts) + " attempts: " + e.last.Error()
}

func (e transcriptionFailedError) Unwrap() error { return e.last }

// IsTranscriptionFailed reports whether err is a post-retry transcription failure.
func IsTranscriptionFailed(err error) bool {
	_, ok := err.(transcriptionFailedError)
	return ok
}
