package helperd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sweepkit/broker/internal/audit"
	"github.com/sweepkit/broker/internal/ipc"
	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("helperd")

// Version is the helper build version reported during the handshake.
const Version = "1.4.2"

const (
	authDeadline   = 10 * time.Second
	maxAuthPerMin  = 10
	defaultMaxRuns = 2
)

// Config configures the helper daemon.
type Config struct {
	SocketPath string
	LogPath    string
	MaxRuns    int
}

// Server is the helper daemon. One instance serves the socket for the
// lifetime of the process.
type Server struct {
	cfg     Config
	ops     map[string]Operation
	chain   *audit.ChainWriter
	limiter *ipc.RateLimiter
	replay  *ipc.ReplayGuard
	sem     chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a helper server with the compiled-in operation table.
func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = ipc.DefaultSocketPath()
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = defaultMaxRuns
	}

	chain, err := audit.NewChainWriter(cfg.LogPath, 20, 3)
	if err != nil {
		return nil, fmt.Errorf("helperd: open invocation log: %w", err)
	}

	return &Server{
		cfg:     cfg,
		ops:     builtinOperations,
		chain:   chain,
		limiter: ipc.NewRateLimiter(maxAuthPerMin, time.Minute),
		replay:  ipc.NewReplayGuard(5 * time.Minute),
		sem:     make(chan struct{}, cfg.MaxRuns),
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Serve accepts broker connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := ipc.Listen(s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("helperd: listen: %w", err)
	}
	defer listener.Close()
	defer s.chain.Close()

	log.Info("helper listening", "socket", s.cfg.SocketPath, "version", Version)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	peer, err := ipc.GetPeerCredentials(raw)
	if err != nil {
		log.Warn("rejecting connection without peer credentials", "error", err)
		return
	}
	if !s.limiter.Allow(peer.IdentityKey()) {
		log.Warn("rate limit exceeded", "peer", peer.IdentityKey())
		return
	}

	conn := ipc.NewConn(raw)
	conn.SetDeadline(time.Now().Add(authDeadline))

	sessionKey, authed := s.handshake(conn, peer)
	if !authed {
		return
	}
	conn.SetDeadline(time.Time{})

	for {
		env, err := conn.Recv()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed", "peer", peer.IdentityKey(), "error", err)
			}
			return
		}

		switch env.Type {
		case ipc.TypePing:
			conn.SendTyped(env.ID, ipc.TypePong, ipc.Pong{HelperVersion: Version, ProtocolVersion: ipc.ProtocolVersion})

		case ipc.TypeExecute:
			s.handleExecute(ctx, conn, peer, sessionKey, env)

		case ipc.TypeCancel:
			s.handleCancel(conn, env)

		case ipc.TypeDisconnect:
			return

		default:
			conn.SendError(env.ID, env.Type, "unexpected message type")
		}
	}
}

// handshake processes the pre-auth phase. Lifecycle probes ping and leave;
// real sessions authenticate. Returns the session key and whether the
// connection may proceed to command messages.
func (s *Server) handshake(conn *ipc.Conn, peer *ipc.PeerCredentials) ([]byte, bool) {
	for {
		env, err := conn.Recv()
		if err != nil {
			return nil, false
		}

		switch env.Type {
		case ipc.TypePing:
			conn.SendTyped(env.ID, ipc.TypePong, ipc.Pong{HelperVersion: Version, ProtocolVersion: ipc.ProtocolVersion})
			// Probe connections never authenticate; keep waiting briefly
			// in case this one does.
			continue

		case ipc.TypeAuthRequest:
			var req ipc.AuthRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				conn.SendError(env.ID, ipc.TypeAuthResponse, "malformed auth request")
				return nil, false
			}
			return s.authenticate(conn, peer, env.ID, req)

		default:
			conn.SendError(env.ID, env.Type, "authentication required")
			return nil, false
		}
	}
}

func (s *Server) authenticate(conn *ipc.Conn, peer *ipc.PeerCredentials, envID string, req ipc.AuthRequest) ([]byte, bool) {
	reject := func(reason string) ([]byte, bool) {
		log.Warn("authentication rejected", "peer", peer.IdentityKey(), "reason", reason)
		s.chain.Append(audit.EventHelperOp, "", map[string]any{
			"event":  "auth_rejected",
			"peer":   peer.IdentityKey(),
			"reason": reason,
		})
		conn.SendTyped(envID, ipc.TypeAuthResponse, ipc.AuthResponse{Accepted: false, Reason: reason})
		return nil, false
	}

	if req.ProtocolVersion != ipc.ProtocolVersion {
		return reject(fmt.Sprintf("protocol version mismatch: broker %d, helper %d", req.ProtocolVersion, ipc.ProtocolVersion))
	}
	// The claimed identity must match what the kernel reports for the
	// socket peer. A mismatch means something other than the broker wrote
	// the auth request.
	if !peer.Matches(req.UID, req.SID) {
		return reject("claimed identity does not match socket peer")
	}

	sessionKey, err := ipc.GenerateSessionKey()
	if err != nil {
		return reject("internal error")
	}

	if err := conn.SendTyped(envID, ipc.TypeAuthResponse, ipc.AuthResponse{
		Accepted:      true,
		SessionKey:    hex.EncodeToString(sessionKey),
		HelperVersion: Version,
	}); err != nil {
		return nil, false
	}
	conn.SetSessionKey(sessionKey)

	s.chain.Append(audit.EventHelperOp, "", map[string]any{
		"event":    "session_opened",
		"peer":     peer.IdentityKey(),
		"pid":      req.PID,
		"username": req.Username,
	})
	return sessionKey, true
}

func (s *Server) handleExecute(ctx context.Context, conn *ipc.Conn, peer *ipc.PeerCredentials, sessionKey []byte, env *ipc.Envelope) {
	var req ipc.ExecuteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		conn.SendError(env.ID, ipc.TypeExecuteResult, "malformed execute request")
		return
	}

	refuse := func(reason string) {
		log.Warn("execute refused", "capabilityId", req.CapabilityID, "correlationId", req.CorrelationID, "reason", reason)
		s.chain.Append(audit.EventHelperOp, req.CorrelationID, map[string]any{
			"event":        "execute_refused",
			"capabilityId": req.CapabilityID,
			"peer":         peer.IdentityKey(),
			"reason":       reason,
		})
		conn.SendTyped(env.ID, ipc.TypeExecuteResult, ipc.ExecuteResult{
			CorrelationID: req.CorrelationID,
			Status:        "failed",
			ExitCode:      -1,
			Error:         reason,
		})
	}

	// Single-operation token: valid signature, bound to this capability
	// and correlation id, and never seen before.
	nonce, err := ipc.ValidateToken(sessionKey, req.AuthToken, req.CapabilityID, req.CorrelationID)
	if err != nil {
		refuse("invalid auth token")
		return
	}
	if !s.replay.FirstUse(nonce) {
		refuse("auth token already used")
		return
	}

	op, ok := s.ops[req.CapabilityID]
	if !ok {
		refuse(fmt.Sprintf("capability %q is not in the helper allowlist", req.CapabilityID))
		return
	}

	argv, err := resolveArgv(op, req.Arguments)
	if err != nil {
		refuse(fmt.Sprintf("argument validation failed: %v", err))
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		refuse("helper is at its concurrent execution limit")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[req.CorrelationID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, req.CorrelationID)
			s.mu.Unlock()
			<-s.sem
		}()

		s.chain.Append(audit.EventHelperOp, req.CorrelationID, map[string]any{
			"event":        "execute_started",
			"capabilityId": req.CapabilityID,
			"peer":         peer.IdentityKey(),
			"argv":         argv,
		})

		result := runChild(runCtx, req, argv, func(stream string, data []byte) {
			conn.SendTyped(env.ID, ipc.TypeProgress, ipc.ProgressChunk{
				CorrelationID: req.CorrelationID,
				Stream:        stream,
				Data:          data,
			})
		})

		s.chain.Append(audit.EventHelperOp, req.CorrelationID, map[string]any{
			"event":        "execute_completed",
			"capabilityId": req.CapabilityID,
			"status":       result.Status,
			"exitCode":     result.ExitCode,
		})

		if err := conn.SendTyped(env.ID, ipc.TypeExecuteResult, result); err != nil {
			log.Warn("failed to deliver result", "correlationId", req.CorrelationID, "error", err)
		}
	}()
}

func (s *Server) handleCancel(conn *ipc.Conn, env *ipc.Envelope) {
	var req ipc.CancelRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		conn.SendError(env.ID, ipc.TypeCancelAck, "malformed cancel request")
		return
	}

	s.mu.Lock()
	cancel, found := s.running[req.CorrelationID]
	s.mu.Unlock()

	if found {
		cancel()
	}
	conn.SendTyped(env.ID, ipc.TypeCancelAck, ipc.CancelAck{CorrelationID: req.CorrelationID, Found: found})
}
