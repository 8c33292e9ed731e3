package workflow

import (
	"errors"
	"fmt"
)

// WorkflowError reports a malformed topology or an illegal run operation.
// It is returned before any agent is invoked.
type WorkflowError struct {
	Reason string
	Err    error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow: %s: %v", e.Reason, e.Err)
	}
	return "workflow: " + e.Reason
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// IsWorkflowError reports whether err is or wraps a *WorkflowError.
func IsWorkflowError(err error) bool {
	var we *WorkflowError
	return errors.As(err, &we)
}

// ErrIllegalTransition is wrapped by errors for state changes the run
// state machine does not allow.
var ErrIllegalTransition = errors.New("illegal status transition")

// ReasonCancelled is the failure reason of a cancelled run.
const ReasonCancelled = "cancelled"
