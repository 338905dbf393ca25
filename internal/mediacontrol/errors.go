package mediacontrol

import (
	"errors"
	"fmt"
)

// ConfigurationError means the control plane is not configured (UUID or secret absent).
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return "media control not configured: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError wraps network failures, timeouts and unreadable responses.
type TransportError struct {
	Action string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("media control %s: transport: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejectionError is a non-2xx answer from the media server.
type RemoteRejectionError struct {
	Action     string
	StatusCode int
	Body       string
}

func (e *RemoteRejectionError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("media control %s: rejected with status %d", e.Action, e.StatusCode)
	}
	return fmt.Sprintf("media control %s: rejected with status %d: %s", e.Action, e.StatusCode, e.Body)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsRemoteFailure reports whether err came from talking to the media server
// (configuration, transport or rejection) as opposed to a local bug.
func IsRemoteFailure(err error) bool {
	var (
		ce *ConfigurationError
		te *TransportError
		re *RemoteRejectionError
	)
	return errors.As(err, &ce) || errors.As(err, &te) || errors.As(err, &re)
}

// outcome labels an error for metrics.
func outcome(err error) string {
	var (
		ce *ConfigurationError
		te *TransportError
		re *RemoteRejectionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "unconfigured"
	case errors.As(err, &te):
		return "transport_error"
	case errors.As(err, &re):
		return "rejected"
	default:
		return "error"
	}
}
