package agent

import (
	"errors"
	"fmt"
)

// LoadError is returned when a persona descriptor is malformed or references
// a tool that does not exist. It is fatal at startup.
type LoadError struct {
	// Source is the descriptor file or agent key the error relates to.
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// UpstreamError is returned when a chat client call fails or times out.
type UpstreamError struct {
	Agent string
	// Attempts is the number of calls made before giving up.
	Attempts int
	// Retryable is false for failures that repeating cannot fix, such as
	// authentication errors.
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("agent %s upstream failure after %d attempts: %v", e.Agent, e.Attempts, e.Err)
	}
	return fmt.Sprintf("agent %s upstream failure: %v", e.Agent, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ErrAgentNotFound is returned by Registry lookups.
var ErrAgentNotFound = errors.New("agent not found")

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var up *UpstreamError
	return errors.As(err, &up)
}
