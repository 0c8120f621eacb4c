package config

// configInvalidError is returned by Validate for configurations the
// orchestrator cannot act on.
type configInvalidError struct{ reason string }

func (e configInvalidError) Error() string { return "invalid config: " + e.reason }

// ErrConfigInvalid constructs a configInvalidError.
func ErrConfigInvalid(reason string) error { return configInvalidError{reason: reason} }

// IsConfigInvalid reports whether err indicates a rejected configuration.
func IsConfigInvalid(err error) bool {
	_, ok := err.(configInvalidError)
	return ok
}
