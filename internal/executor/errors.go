package executor

import "fmt"

// ErrorKind classifies executor-level failures.
type ErrorKind string

const (
	ErrSpawnFailed        ErrorKind = "spawn_failed"
	ErrNonZeroExit        ErrorKind = "non_zero_exit"
	ErrIPCFailed          ErrorKind = "ipc_failed"
	ErrHelperNotInstalled ErrorKind = "helper_not_installed"
	ErrHelperOutdated     ErrorKind = "helper_outdated"
	ErrTimeout            ErrorKind = "timeout"
	ErrCancelled          ErrorKind = "cancelled"
	ErrAutomationDenied   ErrorKind = "automation_denied"
	ErrAppNotInstalled    ErrorKind = "app_not_installed"
	ErrAppNotRunning      ErrorKind = "app_not_running"
	ErrUnsupportedOp      ErrorKind = "unsupported_operation"
	ErrScriptFailed       ErrorKind = "script_failed"
)

// Error is an executor-level failure. Execution was attempted (or an
// attempt was blocked by backend state such as a missing helper); the
// request always still ends in a terminal run record.
type Error struct {
	Kind        ErrorKind
	Message     string
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("executor: %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("executor: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("executor: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error kind to the terminal run record status.
func (e *Error) Status() Status {
	switch e.Kind {
	case ErrTimeout:
		return StatusTimeout
	case ErrCancelled:
		return StatusCancelled
	case ErrAutomationDenied:
		return StatusPermissionDenied
	default:
		return StatusFailed
	}
}

// NewError builds an executor error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying failure with a kind.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
