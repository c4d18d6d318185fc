package dispatch

import (
	"errors"
	"fmt"
)

// ErrConfigurationMissing means the endpoint URL or API key is not set
var ErrConfigurationMissing = errors.New("publisher endpoint or API key not configured")

// TransportError wraps network level failures (DNS, connection, timeout)
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejectionError is returned when the endpoint answers with status >= 300
type RemoteRejectionError struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("publisher endpoint returned status %d: %s", e.StatusCode, e.Body)
}
