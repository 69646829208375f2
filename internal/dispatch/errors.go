package dispatch

import (
	"fmt"

	"github.com/sweepkit/broker/internal/preflight"
)

// ValidationError rejects a request before anything runs. A validation
// failure has zero side effects: no preflight, no permission probe, no
// executor invocation, no run record.
type ValidationError struct {
	CapabilityID string
	Argument     string
	Reason       string
}

func (e *ValidationError) Error() string {
	if e.Argument != "" {
		return fmt.Sprintf("dispatch: %s: argument %q: %s", e.CapabilityID, e.Argument, e.Reason)
	}
	return fmt.Sprintf("dispatch: %s: %s", e.CapabilityID, e.Reason)
}

// PreflightError carries the exhaustive set of failed preconditions.
type PreflightError struct {
	CapabilityID string
	Result       *preflight.Result
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("dispatch: %s: %d precondition(s) failed", e.CapabilityID, len(e.Result.Failed))
}

// BusyError rejects a request because the capability is already running or
// the execution queue is full.
type BusyError struct {
	CapabilityID string
	Reason       string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.CapabilityID, e.Reason)
}

// ConfirmRequiredError rejects a destructive request that arrived without a
// valid confirmation token.
type ConfirmRequiredError struct {
	CapabilityID string
	Reason       string
}

func (e *ConfirmRequiredError) Error() string {
	return fmt.Sprintf("dispatch: %s: confirmation required: %s", e.CapabilityID, e.Reason)
}
