package helperd

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/sweepkit/broker/internal/ipc"
)

const (
	maxCaptureBytes  = 1 * 1024 * 1024
	defaultRunLimit  = 300 * time.Second
	terminationGrace = 5 * time.Second
)

type progressFn func(stream string, data []byte)

// runChild executes one resolved argv as a direct child. Arguments never
// pass through a shell. Cancellation is cooperative: SIGTERM first, SIGKILL
// after the grace period.
func runChild(ctx context.Context, req ipc.ExecuteRequest, argv []string, onProgress progressFn) ipc.ExecuteResult {
	timeout := defaultRunLimit
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = []string{"PATH=/usr/bin:/bin:/usr/sbin:/sbin"}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &boundedWriter{buf: &stdout, stream: "stdout", onProgress: onProgress}
	cmd.Stderr = &boundedWriter{buf: &stderr, stream: "stderr", onProgress: onProgress}

	err := cmd.Run()

	result := ipc.ExecuteResult{
		CorrelationID: req.CorrelationID,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
	}

	switch {
	case err == nil:
		result.Status = "success"
		result.ExitCode = 0

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = "timeout"
		result.ExitCode = -1
		result.Error = "execution exceeded its time limit"

	case errors.Is(ctx.Err(), context.Canceled):
		result.Status = "cancelled"
		result.ExitCode = -1
		result.Error = "execution cancelled"

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Status = "failed"
			result.ExitCode = exitErr.ExitCode()
			result.Error = "command exited with a non-zero status"
		} else {
			result.Status = "failed"
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}
	return result
}

// boundedWriter captures output up to maxCaptureBytes and forwards every
// chunk to the progress callback regardless of the capture limit.
type boundedWriter struct {
	buf        *bytes.Buffer
	stream     string
	onProgress progressFn
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.onProgress != nil && len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onProgress(w.stream, chunk)
	}
	if remaining := maxCaptureBytes - w.buf.Len(); remaining > 0 {
		if len(p) <= remaining {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:remaining])
		}
	}
	return len(p), nil
}
