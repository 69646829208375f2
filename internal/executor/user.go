package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/logging"
	"github.com/sweepkit/broker/internal/preflight"
)

var log = logging.L("executor")

const (
	// DefaultTimeout is the default execution timeout in seconds
	DefaultTimeout = 300

	// MaxTimeout is the maximum allowed execution timeout
	MaxTimeout = 3600

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 1024 * 1024 // 1MB
)

// UserBackend spawns allowlisted executables directly as the invoking user.
// No shell interpreter is ever involved: the rendered argv is handed to the
// kernel as-is, with a minimal explicit environment.
type UserBackend struct {
	checks  *preflight.Engine
	workDir string
	running map[string]*runningExecution
	mu      sync.Mutex
}

// runningExecution tracks a running process for cancellation.
type runningExecution struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewUserBackend creates the user-tier backend.
func NewUserBackend(checks *preflight.Engine, workDir string) *UserBackend {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &UserBackend{
		checks:  checks,
		workDir: workDir,
		running: make(map[string]*runningExecution),
	}
}

// CanExecute evaluates the capability's declared preflight checks.
func (b *UserBackend) CanExecute(ctx context.Context, cap *catalog.Capability) (*preflight.Result, error) {
	return b.checks.Evaluate(ctx, cap, nil)
}

// Execute spawns the rendered command and captures its outcome.
func (b *UserBackend) Execute(ctx context.Context, req Request, onProgress Progress) (*Result, error) {
	cap := req.Capability
	start := time.Now().UTC()
	result := &Result{
		Status:    StatusPending,
		StartedAt: start,
	}

	reqLog := logging.WithRequest(log, req.CorrelationID, cap.ID)
	reqLog.Info("starting execution", "path", cap.Command.Path, "timeout", cap.TimeoutSeconds)

	// The allowlist already gated this path at catalog load; re-check at
	// the point of spawn so the guarantee does not depend on load-time
	// state alone.
	if !Allowlisted(cap.Command.Path) {
		result.Status = StatusFailed
		result.ExitCode = -1
		result.CompletedAt = time.Now().UTC()
		return result, NewError(ErrSpawnFailed, "executable %q is not allowlisted", cap.Command.Path)
	}

	timeout := cap.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cap.Command.Path, req.Argv...)
	cmd.Dir = b.workDir
	cmd.Env = buildEnvironment(req)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = newCaptureWriter(&stdout, MaxOutputSize, "stdout", onProgress)
	cmd.Stderr = newCaptureWriter(&stderr, MaxOutputSize, "stderr", onProgress)

	// Own process group so children die with the parent on timeout.
	setProcessGroup(cmd)

	b.mu.Lock()
	if _, exists := b.running[req.CorrelationID]; exists {
		b.mu.Unlock()
		result.Status = StatusFailed
		result.ExitCode = -1
		result.CompletedAt = time.Now().UTC()
		return result, NewError(ErrSpawnFailed, "correlation id %s already running", req.CorrelationID)
	}
	b.running[req.CorrelationID] = &runningExecution{
		cmd:       cmd,
		cancel:    cancel,
		startedAt: start,
	}
	b.mu.Unlock()

	err := cmd.Run()

	b.mu.Lock()
	delete(b.running, req.CorrelationID)
	b.mu.Unlock()

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.CompletedAt = time.Now().UTC()

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			if killErr := killProcessGroup(cmd); killErr != nil {
				reqLog.Warn("failed to kill process group", "error", killErr)
			}
			reqLog.Warn("execution timed out", "timeoutSeconds", timeout)
			result.Status = StatusTimeout
			result.ExitCode = -1
			return result, NewError(ErrTimeout, "execution timed out after %d seconds", timeout)

		case execCtx.Err() == context.Canceled:
			if killErr := killProcessGroup(cmd); killErr != nil {
				reqLog.Warn("failed to kill process group", "error", killErr)
			}
			reqLog.Info("execution cancelled")
			result.Status = StatusCancelled
			result.ExitCode = -1
			return result, NewError(ErrCancelled, "execution cancelled")

		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.Status = StatusFailed
				result.ExitCode = exitErr.ExitCode()
				reqLog.Info("execution completed", "exitCode", result.ExitCode)
				return result, NewError(ErrNonZeroExit, "exit code %d", result.ExitCode)
			}
			result.Status = StatusFailed
			result.ExitCode = -1
			reqLog.Error("execution failed", "error", err)
			return result, WrapError(ErrSpawnFailed, err)
		}
	}

	result.Status = StatusSuccess
	result.ExitCode = 0
	result.Parsed = ParseOutput(cap.Parse, result.Stdout)
	reqLog.Info("execution completed successfully", "durationMs", time.Since(start).Milliseconds())
	return result, nil
}

// Cancel terminates a running execution by correlation id.
func (b *UserBackend) Cancel(correlationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	running, exists := b.running[correlationID]
	if !exists {
		return fmt.Errorf("execution %s not found or already completed", correlationID)
	}

	log.Info("cancelling execution", "correlationId", correlationID)
	running.cancel()
	if err := killProcessGroup(running.cmd); err != nil {
		log.Warn("failed to kill process group", "correlationId", correlationID, "error", err)
	}
	return nil
}

// RunningCount returns the number of in-flight executions.
func (b *UserBackend) RunningCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

// buildEnvironment creates the minimal explicit environment for a spawned
// process. The parent environment is never inherited.
func buildEnvironment(req Request) []string {
	env := []string{
		"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
		"HOME=" + os.Getenv("HOME"),
		"TMPDIR=" + os.TempDir(),
		"SWEEP_CORRELATION_ID=" + req.CorrelationID,
		"SWEEP_CAPABILITY_ID=" + req.Capability.ID,
	}
	for key, value := range req.Bindings {
		envKey := "SWEEP_ARG_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		env = append(env, envKey+"="+value)
	}
	return env
}

// ParseOutput applies a capability's output-parsing strategy to captured
// stdout. A parse failure is not an execution failure; the raw output is
// always preserved alongside.
func ParseOutput(strategy catalog.ParseStrategy, stdout string) json.RawMessage {
	switch strategy {
	case catalog.ParseJSON:
		trimmed := strings.TrimSpace(stdout)
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed)
		}
		return nil
	case catalog.ParseLines:
		var lines []string
		for _, line := range strings.Split(stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		data, err := json.Marshal(lines)
		if err != nil {
			return nil
		}
		return data
	default:
		return nil
	}
}

// captureWriter buffers output up to a size limit and forwards every chunk
// to the progress callback.
type captureWriter struct {
	buf        *bytes.Buffer
	limit      int
	written    int
	stream     string
	onProgress Progress
}

func newCaptureWriter(buf *bytes.Buffer, limit int, stream string, onProgress Progress) *captureWriter {
	return &captureWriter{buf: buf, limit: limit, stream: stream, onProgress: onProgress}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.onProgress != nil {
		w.onProgress(w.stream, p)
	}

	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	chunk := p
	remaining := w.limit - w.written
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}

	n, err := w.buf.Write(chunk)
	w.written += n
	return len(p), err // Return original length to avoid short write errors
}
