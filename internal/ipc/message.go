package ipc

import "encoding/json"

// Message type constants for broker <-> helper communication.
const (
	TypeAuthRequest   = "auth_request"
	TypeAuthResponse  = "auth_response"
	TypeExecute       = "execute"
	TypeExecuteResult = "execute_result"
	TypeProgress      = "progress"
	TypeCancel        = "cancel"
	TypeCancelAck     = "cancel_ack"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
)

// MaxMessageSize is the maximum size of a JSON IPC message (4MB). Helper
// results carry bounded stdout/stderr captures, never bulk data.
const MaxMessageSize = 4 * 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// AuthRequest is sent by the broker to the helper after connecting.
type AuthRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	UID             uint32 `json:"uid"`
	SID             string `json:"sid,omitempty"` // Windows Security Identifier
	Username        string `json:"username"`
	PID             int    `json:"pid"`
}

// AuthResponse is sent by the helper back to the broker. HelperVersion is
// what the broker's lifecycle check compares against its minimum version.
type AuthResponse struct {
	Accepted      bool   `json:"accepted"`
	SessionKey    string `json:"sessionKey,omitempty"`
	HelperVersion string `json:"helperVersion,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ExecuteRequest asks the helper to run one allowlisted capability. The
// broker sends a capability id plus rendered arguments, never a command
// string; the helper resolves the id against its own compiled-in allowlist.
// AuthToken is a single-operation token, never reused.
type ExecuteRequest struct {
	CorrelationID  string   `json:"correlationId"`
	CapabilityID   string   `json:"capabilityId"`
	Arguments      []string `json:"arguments,omitempty"`
	AuthToken      string   `json:"authToken"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

// ExecuteResult is the helper's outcome for one request.
type ExecuteResult struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	ExitCode      int    `json:"exitCode"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProgressChunk streams incremental output from the helper while an
// execution runs.
type ProgressChunk struct {
	CorrelationID string `json:"correlationId"`
	Stream        string `json:"stream"`
	Data          []byte `json:"data"`
}

// CancelRequest asks the helper to cooperatively terminate an execution.
type CancelRequest struct {
	CorrelationID string `json:"correlationId"`
}

// CancelAck confirms receipt of a cancellation request.
type CancelAck struct {
	CorrelationID string `json:"correlationId"`
	Found         bool   `json:"found"`
}

// Pong is the helper's liveness and version answer.
type Pong struct {
	HelperVersion   string `json:"helperVersion"`
	ProtocolVersion int    `json:"protocolVersion"`
}
