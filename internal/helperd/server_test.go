//go:build !windows

package helperd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/elevate"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/ipc"
	"github.com/sweepkit/broker/internal/preflight"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "helper.sock")

	s, err := New(Config{
		SocketPath: socketPath,
		LogPath:    filepath.Join(dir, "invocations.jsonl"),
		MaxRuns:    2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Test operations alongside the compiled-in table.
	s.ops["test.echo"] = Operation{
		CapabilityID: "test.echo",
		Path:         "/bin/echo",
		BaseArgs:     []string{"hello"},
	}
	s.ops["test.echo.arg"] = Operation{
		CapabilityID: "test.echo.arg",
		Path:         "/bin/echo",
		Params: []Param{
			{Name: "task", Kind: "enum", Enum: []string{"daily", "weekly"}},
		},
	}
	s.ops["test.sleep"] = Operation{
		CapabilityID: "test.sleep",
		Path:         "/bin/sleep",
		BaseArgs:     []string{"30"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return s, socketPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("helper socket never appeared")
	return nil, ""
}

// authedConn completes the handshake and returns the session key.
func authedConn(t *testing.T, socketPath string) (*ipc.Conn, []byte) {
	t.Helper()
	raw, err := ipc.Dial(socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	t.Cleanup(func() { conn.Close() })

	req := ipc.AuthRequest{
		ProtocolVersion: ipc.ProtocolVersion,
		UID:             uint32(os.Getuid()),
		PID:             os.Getpid(),
	}
	if err := conn.SendTyped(uuid.NewString(), ipc.TypeAuthRequest, req); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv auth response: %v", err)
	}
	var resp ipc.AuthResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("auth rejected: %s", resp.Reason)
	}
	key, err := hex.DecodeString(resp.SessionKey)
	if err != nil {
		t.Fatalf("decode session key: %v", err)
	}
	conn.SetSessionKey(key)
	return conn, key
}

func recvResult(t *testing.T, conn *ipc.Conn) ipc.ExecuteResult {
	t.Helper()
	for {
		env, err := conn.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if env.Type != ipc.TypeExecuteResult {
			continue
		}
		var res ipc.ExecuteResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		return res
	}
}

func TestServerPingWithoutAuth(t *testing.T) {
	_, socketPath := startTestServer(t)

	raw, err := ipc.Dial(socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	defer conn.Close()

	if err := conn.SendTyped(uuid.NewString(), ipc.TypePing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv pong: %v", err)
	}
	if env.Type != ipc.TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
	var pong ipc.Pong
	if err := json.Unmarshal(env.Payload, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.HelperVersion != Version {
		t.Fatalf("version = %q, want %q", pong.HelperVersion, Version)
	}
}

func TestServerRejectsMismatchedIdentity(t *testing.T) {
	_, socketPath := startTestServer(t)

	raw, err := ipc.Dial(socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	defer conn.Close()

	req := ipc.AuthRequest{
		ProtocolVersion: ipc.ProtocolVersion,
		UID:             uint32(os.Getuid()) + 1,
		PID:             os.Getpid(),
	}
	conn.SendTyped(uuid.NewString(), ipc.TypeAuthRequest, req)

	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var resp ipc.AuthResponse
	json.Unmarshal(env.Payload, &resp)
	if resp.Accepted {
		t.Fatal("expected rejection for mismatched identity")
	}
}

func TestServerSessionAuditCarriesVerifiedIdentityOnly(t *testing.T) {
	_, socketPath := startTestServer(t)
	authedConn(t, socketPath)

	logPath := filepath.Join(filepath.Dir(socketPath), "invocations.jsonl")
	var opened map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for opened == nil && time.Now().Before(deadline) {
		data, err := os.ReadFile(logPath)
		if err == nil {
			for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
				var e struct {
					Details map[string]any `json:"details"`
				}
				if json.Unmarshal([]byte(line), &e) != nil {
					continue
				}
				if e.Details["event"] == "session_opened" {
					opened = e.Details
					break
				}
			}
		}
		if opened == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if opened == nil {
		t.Fatal("no session_opened entry in the helper log")
	}

	for _, key := range []string{"peer", "pid", "username"} {
		if _, ok := opened[key]; !ok {
			t.Errorf("session_opened missing %q", key)
		}
	}
	// The entry records the kernel-verified peer and the plain process
	// facts. Nothing the client attests about itself belongs here.
	for key := range opened {
		switch key {
		case "event", "peer", "pid", "username":
		default:
			t.Errorf("unexpected self-attested field %q in session_opened", key)
		}
	}
}

func TestServerExecuteSuccess(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, key := authedConn(t, socketPath)

	corrID := uuid.NewString()
	token := ipc.MintToken(key, uuid.NewString(), "test.echo", corrID, 30*time.Second)
	conn.SendTyped(corrID, ipc.TypeExecute, ipc.ExecuteRequest{
		CorrelationID: corrID,
		CapabilityID:  "test.echo",
		AuthToken:     token,
	})

	res := recvResult(t, conn)
	if res.Status != "success" {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestServerRefusesUnknownCapability(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, key := authedConn(t, socketPath)

	corrID := uuid.NewString()
	token := ipc.MintToken(key, uuid.NewString(), "not.in.allowlist", corrID, 30*time.Second)
	conn.SendTyped(corrID, ipc.TypeExecute, ipc.ExecuteRequest{
		CorrelationID: corrID,
		CapabilityID:  "not.in.allowlist",
		AuthToken:     token,
	})

	res := recvResult(t, conn)
	if res.Status != "failed" {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(res.Error, "allowlist") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestServerRefusesReusedToken(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, key := authedConn(t, socketPath)

	corrID := uuid.NewString()
	token := ipc.MintToken(key, uuid.NewString(), "test.echo", corrID, 30*time.Second)

	send := func() ipc.ExecuteResult {
		conn.SendTyped(corrID, ipc.TypeExecute, ipc.ExecuteRequest{
			CorrelationID: corrID,
			CapabilityID:  "test.echo",
			AuthToken:     token,
		})
		return recvResult(t, conn)
	}

	if res := send(); res.Status != "success" {
		t.Fatalf("first use: status = %q, error = %q", res.Status, res.Error)
	}
	res := send()
	if res.Status != "failed" || !strings.Contains(res.Error, "already used") {
		t.Fatalf("second use: status = %q, error = %q", res.Status, res.Error)
	}
}

func TestServerRefusesTokenForOtherCapability(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, key := authedConn(t, socketPath)

	corrID := uuid.NewString()
	token := ipc.MintToken(key, uuid.NewString(), "test.echo", corrID, 30*time.Second)
	conn.SendTyped(corrID, ipc.TypeExecute, ipc.ExecuteRequest{
		CorrelationID: corrID,
		CapabilityID:  "test.sleep", // token was minted for test.echo
		AuthToken:     token,
	})

	res := recvResult(t, conn)
	if res.Status != "failed" || !strings.Contains(res.Error, "token") {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}
}

func TestServerValidatesArguments(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, key := authedConn(t, socketPath)

	cases := []struct {
		name string
		args []string
	}{
		{"missing", nil},
		{"unknown value", []string{"task=yearly"}},
		{"unknown name", []string{"task=daily", "extra=1"}},
		{"metacharacters", []string{"task=daily;rm"}},
	}
	for _, c := range cases {
		corrID := uuid.NewString()
		token := ipc.MintToken(key, uuid.NewString(), "test.echo.arg", corrID, 30*time.Second)
		conn.SendTyped(corrID, ipc.TypeExecute, ipc.ExecuteRequest{
			CorrelationID: corrID,
			CapabilityID:  "test.echo.arg",
			Arguments:     c.args,
			AuthToken:     token,
		})
		res := recvResult(t, conn)
		if res.Status != "failed" {
			t.Errorf("%s: status = %q, want failed", c.name, res.Status)
		}
	}
}

func TestServerCancelRunningExecution(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, key := authedConn(t, socketPath)

	corrID := uuid.NewString()
	token := ipc.MintToken(key, uuid.NewString(), "test.sleep", corrID, 30*time.Second)
	conn.SendTyped(corrID, ipc.TypeExecute, ipc.ExecuteRequest{
		CorrelationID: corrID,
		CapabilityID:  "test.sleep",
		AuthToken:     token,
	})

	// Give the child a moment to start, then cancel.
	time.Sleep(200 * time.Millisecond)
	conn.SendTyped(corrID, ipc.TypeCancel, ipc.CancelRequest{CorrelationID: corrID})

	for {
		env, err := conn.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		switch env.Type {
		case ipc.TypeCancelAck:
			var ack ipc.CancelAck
			json.Unmarshal(env.Payload, &ack)
			if !ack.Found {
				t.Fatal("cancel did not find the running execution")
			}
		case ipc.TypeExecuteResult:
			var res ipc.ExecuteResult
			json.Unmarshal(env.Payload, &res)
			if res.Status != "cancelled" {
				t.Fatalf("status = %q, want cancelled", res.Status)
			}
			return
		}
	}
}

func TestElevatedBackendEndToEnd(t *testing.T) {
	_, socketPath := startTestServer(t)

	backend := elevate.NewBackend(preflight.NewEngine(nil), socketPath, "1.0.0")
	cap := &catalog.Capability{
		ID:   "test.echo",
		Tier: catalog.TierElevated,
	}

	var streamed []byte
	res, err := backend.Execute(context.Background(), executor.Request{
		CorrelationID: uuid.NewString(),
		Capability:    cap,
	}, func(stream string, chunk []byte) {
		if stream == "stdout" {
			streamed = append(streamed, chunk...)
		}
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != executor.StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if !strings.Contains(string(streamed), "hello") {
		t.Fatalf("streamed = %q", streamed)
	}
}

func TestElevatedBackendReportsMissingHelper(t *testing.T) {
	backend := elevate.NewBackend(preflight.NewEngine(nil), filepath.Join(t.TempDir(), "nope.sock"), "1.0.0")

	_, err := backend.Execute(context.Background(), executor.Request{
		CorrelationID: uuid.NewString(),
		Capability:    &catalog.Capability{ID: "quick.memory.purge", Tier: catalog.TierElevated},
	}, nil)

	var execErr *executor.Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected executor.Error, got %v", err)
	}
	if execErr.Kind != executor.ErrHelperNotInstalled {
		t.Fatalf("kind = %q, want helper_not_installed", execErr.Kind)
	}
}

func TestResolveArgvOrdersAndValidates(t *testing.T) {
	op := Operation{
		CapabilityID: "quick.spotlight.reindex",
		Path:         "/usr/bin/mdutil",
		BaseArgs:     []string{"-E"},
		Params:       []Param{{Name: "volume", Kind: "path"}},
	}

	argv, err := resolveArgv(op, []string{"volume=/"})
	if err != nil {
		t.Fatalf("resolveArgv: %v", err)
	}
	want := []string{"/usr/bin/mdutil", "-E", "/"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}

	if _, err := resolveArgv(op, []string{"volume=relative/path"}); err == nil {
		t.Fatal("relative path accepted")
	}
	if _, err := resolveArgv(op, []string{"volume=/tmp/../etc"}); err == nil {
		t.Fatal("parent reference accepted")
	}
}
