// Package executor defines the backend contract shared by the user,
// elevated, and automation tiers, and implements the user tier.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/preflight"
)

// Status is the terminal outcome of one execution attempt.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSuccess          Status = "success"
	StatusPartialSuccess   Status = "partial-success"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusPermissionDenied Status = "permission-denied"
	StatusTimeout          Status = "timeout"
)

// Terminal reports whether a status is a terminal state.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Progress receives incremental output as an execution runs.
// stream is "stdout" or "stderr".
type Progress func(stream string, chunk []byte)

// Request carries one validated execution into a backend. Argv is the
// rendered command template for process-spawning tiers; Bindings are the
// validated slot values for the automation tier.
type Request struct {
	CorrelationID string
	Capability    *catalog.Capability
	Argv          []string
	Bindings      map[string]string
}

// Result is the uniform outcome aggregated across all backends.
type Result struct {
	Status      Status          `json:"status"`
	ExitCode    int             `json:"exitCode"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	Parsed      json.RawMessage `json:"parsed,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Backend is the contract every executor tier implements.
type Backend interface {
	// Execute runs one validated request to completion, streaming output
	// through onProgress (which may be nil). A non-nil Result is returned
	// whenever execution was attempted, even on failure.
	Execute(ctx context.Context, req Request, onProgress Progress) (*Result, error)

	// CanExecute evaluates the capability's preconditions plus any
	// backend-specific readiness requirements without side effects.
	CanExecute(ctx context.Context, cap *catalog.Capability) (*preflight.Result, error)

	// Cancel requests cooperative termination of a running execution.
	Cancel(correlationID string) error
}
