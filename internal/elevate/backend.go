package elevate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/ipc"
	"github.com/sweepkit/broker/internal/preflight"
)

const (
	dialTimeout  = 5 * time.Second
	tokenTTL     = 30 * time.Second
	authTimeout  = 5 * time.Second
	resultWindow = 10 * time.Second
)

// Check types reported by CanExecute when the helper itself is the
// problem. The dispatcher recognizes these so a missing or outdated
// helper surfaces with the same error kind a mid-run check would raise.
const (
	CheckHelperAvailable = "helper_available"
	CheckHelperVersion   = "helper_version"
)

// Backend forwards elevated-tier capabilities to the privileged helper.
// Each execution uses a fresh connection, a fresh session key, and a
// single-operation auth token.
type Backend struct {
	checks     *preflight.Engine
	socketPath string
	minVersion string

	mu      sync.Mutex
	running map[string]*ipc.Conn
}

// NewBackend creates the elevated backend. socketPath may be empty to use
// the platform default endpoint.
func NewBackend(checks *preflight.Engine, socketPath, minVersion string) *Backend {
	if socketPath == "" {
		socketPath = ipc.DefaultSocketPath()
	}
	return &Backend{
		checks:     checks,
		socketPath: socketPath,
		minVersion: minVersion,
		running:    make(map[string]*ipc.Conn),
	}
}

// CanExecute evaluates the capability's preconditions and the helper's
// availability. A missing or outdated helper is reported as a failed check
// with install remediation rather than an error, so the UI renders it in
// the same fix-it list as any other precondition.
func (b *Backend) CanExecute(ctx context.Context, cap *catalog.Capability) (*preflight.Result, error) {
	result, err := b.checks.Evaluate(ctx, cap, nil)
	if err != nil {
		return nil, err
	}

	info := CheckHelper(ctx, b.socketPath, b.minVersion)
	switch info.Status {
	case HelperNotInstalled:
		result.CanExecute = false
		result.Failed = append(result.Failed, preflight.CheckFailure{
			Type:    CheckHelperAvailable,
			Message: "the privileged helper is not installed or not running",
		})
		result.Remediation = append(result.Remediation, "install the helper with: sweepd helper install")
	case HelperOutdated:
		result.CanExecute = false
		result.Failed = append(result.Failed, preflight.CheckFailure{
			Type:    CheckHelperVersion,
			Message: fmt.Sprintf("the privileged helper is outdated (have %s, need %s)", info.HelperVersion, info.MinVersion),
		})
		result.Remediation = append(result.Remediation, "update the helper with: sweepd helper install")
	}
	return result, nil
}

// Execute runs one elevated capability through the helper.
func (b *Backend) Execute(ctx context.Context, req executor.Request, onProgress executor.Progress) (*executor.Result, error) {
	startedAt := time.Now().UTC()

	info := CheckHelper(ctx, b.socketPath, b.minVersion)
	switch info.Status {
	case HelperNotInstalled:
		return failedResult(startedAt), &executor.Error{
			Kind:        executor.ErrHelperNotInstalled,
			Message:     "privileged helper is not installed or not running",
			Remediation: "run: sweepd helper install",
		}
	case HelperOutdated:
		return failedResult(startedAt), &executor.Error{
			Kind:        executor.ErrHelperOutdated,
			Message:     fmt.Sprintf("privileged helper version %s is below required %s", info.HelperVersion, info.MinVersion),
			Remediation: "run: sweepd helper install",
		}
	}

	conn, sessionKey, err := b.connect(ctx)
	if err != nil {
		return failedResult(startedAt), err
	}
	defer conn.Close()

	b.track(req.CorrelationID, conn)
	defer b.untrack(req.CorrelationID)

	// Single-operation token bound to this capability and correlation id.
	nonce := uuid.NewString()
	token := ipc.MintToken(sessionKey, nonce, req.Capability.ID, req.CorrelationID, tokenTTL)

	timeoutSeconds := req.Capability.TimeoutSeconds
	execReq := ipc.ExecuteRequest{
		CorrelationID:  req.CorrelationID,
		CapabilityID:   req.Capability.ID,
		Arguments:      slotArguments(req),
		AuthToken:      token,
		TimeoutSeconds: timeoutSeconds,
	}
	if err := conn.SendTyped(req.CorrelationID, ipc.TypeExecute, execReq); err != nil {
		return failedResult(startedAt), executorIPCError(err)
	}

	// Forward broker-side cancellation to the helper. The helper answers
	// with a cancelled ExecuteResult, which is what unblocks the recv loop.
	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SendTyped(req.CorrelationID, ipc.TypeCancel, ipc.CancelRequest{CorrelationID: req.CorrelationID})
			// If the helper does not answer, close the connection so the
			// recv loop cannot hang past the dispatch deadline.
			timer := time.NewTimer(resultWindow)
			defer timer.Stop()
			select {
			case <-timer.C:
				conn.Close()
			case <-cancelDone:
			}
		case <-cancelDone:
		}
	}()

	return b.recvLoop(ctx, conn, req, onProgress, startedAt)
}

// Cancel sends a cancel request for a tracked in-flight execution.
func (b *Backend) Cancel(correlationID string) error {
	b.mu.Lock()
	conn, ok := b.running[correlationID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("elevate: no running execution for %s", correlationID)
	}
	return conn.SendTyped(correlationID, ipc.TypeCancel, ipc.CancelRequest{CorrelationID: correlationID})
}

// connect dials the helper and completes the auth handshake, returning an
// authenticated connection and its session key.
func (b *Backend) connect(ctx context.Context) (*ipc.Conn, []byte, error) {
	raw, err := ipc.Dial(b.socketPath, dialTimeout)
	if err != nil {
		return nil, nil, &executor.Error{
			Kind:        executor.ErrHelperNotInstalled,
			Message:     "cannot reach privileged helper",
			Remediation: "run: sweepd helper install",
			Err:         err,
		}
	}
	conn := ipc.NewConn(raw)

	authReq := ipc.AuthRequest{
		ProtocolVersion: ipc.ProtocolVersion,
		UID:             currentUID(),
		SID:             currentSID(),
		Username:        currentUsername(),
		PID:             os.Getpid(),
	}

	conn.SetDeadline(time.Now().Add(authTimeout))
	if err := conn.SendTyped(uuid.NewString(), ipc.TypeAuthRequest, authReq); err != nil {
		conn.Close()
		return nil, nil, executorIPCError(err)
	}

	env, err := conn.Recv()
	if err != nil {
		conn.Close()
		return nil, nil, executorIPCError(err)
	}
	if env.Type != ipc.TypeAuthResponse {
		conn.Close()
		return nil, nil, executorIPCError(fmt.Errorf("unexpected %s during handshake", env.Type))
	}

	var authResp ipc.AuthResponse
	if err := json.Unmarshal(env.Payload, &authResp); err != nil {
		conn.Close()
		return nil, nil, executorIPCError(err)
	}
	if !authResp.Accepted {
		conn.Close()
		return nil, nil, &executor.Error{
			Kind:    executor.ErrIPCFailed,
			Message: fmt.Sprintf("helper rejected authentication: %s", authResp.Reason),
		}
	}

	sessionKey, err := hex.DecodeString(authResp.SessionKey)
	if err != nil || len(sessionKey) == 0 {
		conn.Close()
		return nil, nil, executorIPCError(fmt.Errorf("malformed session key in auth response"))
	}
	conn.SetSessionKey(sessionKey)
	conn.SetDeadline(time.Time{})

	return conn, sessionKey, nil
}

func (b *Backend) recvLoop(ctx context.Context, conn *ipc.Conn, req executor.Request, onProgress executor.Progress, startedAt time.Time) (*executor.Result, error) {
	for {
		env, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				res := failedResult(startedAt)
				res.Status = executor.StatusCancelled
				return res, executor.WrapError(executor.ErrCancelled, ctx.Err())
			}
			if errors.Is(err, io.EOF) || isClosedConn(err) {
				return failedResult(startedAt), executorIPCError(fmt.Errorf("helper closed connection mid-execution"))
			}
			return failedResult(startedAt), executorIPCError(err)
		}

		switch env.Type {
		case ipc.TypeProgress:
			var chunk ipc.ProgressChunk
			if err := json.Unmarshal(env.Payload, &chunk); err != nil {
				log.Warn("malformed progress chunk", "correlationId", req.CorrelationID, "error", err)
				continue
			}
			if onProgress != nil && chunk.CorrelationID == req.CorrelationID {
				onProgress(chunk.Stream, chunk.Data)
			}

		case ipc.TypeCancelAck:
			continue

		case ipc.TypeExecuteResult:
			var er ipc.ExecuteResult
			if err := json.Unmarshal(env.Payload, &er); err != nil {
				return failedResult(startedAt), executorIPCError(err)
			}
			return mapResult(req, er, startedAt)

		default:
			log.Warn("unexpected message type from helper", "type", env.Type)
		}
	}
}

// mapResult converts the helper's wire result into the backend contract.
func mapResult(req executor.Request, er ipc.ExecuteResult, startedAt time.Time) (*executor.Result, error) {
	res := &executor.Result{
		Status:      executor.Status(er.Status),
		ExitCode:    er.ExitCode,
		Stdout:      er.Stdout,
		Stderr:      er.Stderr,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
	switch res.Status {
	case executor.StatusSuccess, executor.StatusPartialSuccess, executor.StatusFailed,
		executor.StatusCancelled, executor.StatusPermissionDenied, executor.StatusTimeout:
	default:
		// Unknown wire status from a mismatched helper build.
		res.Status = executor.StatusFailed
	}
	if res.Status == executor.StatusSuccess {
		res.Parsed = executor.ParseOutput(req.Capability.Parse, er.Stdout)
		return res, nil
	}

	kind := executor.ErrNonZeroExit
	switch res.Status {
	case executor.StatusTimeout:
		kind = executor.ErrTimeout
	case executor.StatusCancelled:
		kind = executor.ErrCancelled
	}
	msg := er.Error
	if msg == "" {
		msg = fmt.Sprintf("helper reported %s (exit code %d)", er.Status, er.ExitCode)
	}
	return res, executor.NewError(kind, "%s", msg)
}

func (b *Backend) track(correlationID string, conn *ipc.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running[correlationID] = conn
}

func (b *Backend) untrack(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, correlationID)
}

// slotArguments flattens validated bindings into name=value pairs in slot
// declaration order. The helper re-validates each value against its own
// rules; names travel with values so positional confusion is impossible.
func slotArguments(req executor.Request) []string {
	if len(req.Bindings) == 0 {
		return nil
	}
	args := make([]string, 0, len(req.Bindings))
	for _, slot := range req.Capability.ArgSlots {
		if v, ok := req.Bindings[slot.Name]; ok {
			args = append(args, slot.Name+"="+v)
		}
	}
	return args
}

func failedResult(startedAt time.Time) *executor.Result {
	return &executor.Result{
		Status:      executor.StatusFailed,
		ExitCode:    -1,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
}

func executorIPCError(err error) error {
	return &executor.Error{
		Kind:        executor.ErrIPCFailed,
		Message:     "helper communication failed",
		Remediation: "check that the helper service is running, then retry",
		Err:         err,
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func currentUID() uint32 {
	uid := os.Getuid()
	if uid < 0 {
		return 0
	}
	return uint32(uid)
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

