//go:build !windows

package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/preflight"
)

func userCap(path string, args ...string) *catalog.Capability {
	return &catalog.Capability{
		ID:      "quick.test.cap",
		Title:   "Test",
		Group:   "quick",
		Tier:    catalog.TierUser,
		Risk:    catalog.RiskSafe,
		Command: catalog.CommandTemplate{Path: path, Args: args},
	}
}

func TestExecuteRefusesNonAllowlistedPath(t *testing.T) {
	b := NewUserBackend(preflight.NewEngine(nil), t.TempDir())
	cap := userCap("/bin/echo", "hi")

	res, err := b.Execute(context.Background(), Request{
		CorrelationID: "corr-allow",
		Capability:    cap,
		Argv:          []string{"hi"},
	}, nil)
	if err == nil {
		t.Fatal("expected spawn refusal")
	}
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Kind != ErrSpawnFailed {
		t.Fatalf("expected spawn_failed, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestExecuteSuccessStreamsProgress(t *testing.T) {
	dir := t.TempDir()
	b := NewUserBackend(preflight.NewEngine(nil), dir)
	cap := userCap("/usr/bin/find", dir, "-maxdepth", "0")

	var mu sync.Mutex
	var streamed []byte
	res, err := b.Execute(context.Background(), Request{
		CorrelationID: "corr-ok",
		Capability:    cap,
		Argv:          []string{dir, "-maxdepth", "0"},
	}, func(stream string, chunk []byte) {
		mu.Lock()
		if stream == "stdout" {
			streamed = append(streamed, chunk...)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusSuccess || res.ExitCode != 0 {
		t.Fatalf("result = %s exit %d stderr %q", res.Status, res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Fatalf("stdout %q does not mention %q", res.Stdout, dir)
	}
	mu.Lock()
	got := string(streamed)
	mu.Unlock()
	if got != res.Stdout {
		t.Fatalf("progress stream %q differs from captured stdout %q", got, res.Stdout)
	}
	if b.RunningCount() != 0 {
		t.Fatalf("running count = %d after completion", b.RunningCount())
	}
}

func TestExecuteReportsExactExitCode(t *testing.T) {
	b := NewUserBackend(preflight.NewEngine(nil), t.TempDir())
	missing := "/definitely/not/a/real/path"
	cap := userCap("/usr/bin/find", missing)

	res, err := b.Execute(context.Background(), Request{
		CorrelationID: "corr-exit",
		Capability:    cap,
		Argv:          []string{missing},
	}, nil)
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Kind != ErrNonZeroExit {
		t.Fatalf("expected non_zero_exit, got %v", err)
	}
	if res.Status != StatusFailed || res.ExitCode == 0 {
		t.Fatalf("result = %s exit %d", res.Status, res.ExitCode)
	}
	if res.Stderr == "" {
		t.Fatal("expected stderr to be captured")
	}
}

func TestExecuteRejectsDuplicateCorrelationID(t *testing.T) {
	b := NewUserBackend(preflight.NewEngine(nil), t.TempDir())
	b.running["corr-dup"] = &runningExecution{}

	cap := userCap("/usr/bin/find", ".")
	_, err := b.Execute(context.Background(), Request{
		CorrelationID: "corr-dup",
		Capability:    cap,
		Argv:          []string{"."},
	}, nil)
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Kind != ErrSpawnFailed {
		t.Fatalf("expected spawn_failed for duplicate correlation id, got %v", err)
	}
}

func TestCancelUnknownCorrelationID(t *testing.T) {
	b := NewUserBackend(preflight.NewEngine(nil), t.TempDir())
	if err := b.Cancel("corr-none"); err == nil {
		t.Fatal("expected error for unknown correlation id")
	}
}

func TestBuildEnvironmentIsMinimalAndExplicit(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "leak-me")

	env := buildEnvironment(Request{
		CorrelationID: "corr-env",
		Capability:    userCap("/usr/bin/find"),
		Bindings:      map[string]string{"root": "/tmp", "dry-run": "yes"},
	})

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SECRET_TOKEN") {
		t.Fatal("parent environment leaked into child")
	}
	for _, want := range []string{
		"SWEEP_CORRELATION_ID=corr-env",
		"SWEEP_CAPABILITY_ID=quick.test.cap",
		"SWEEP_ARG_ROOT=/tmp",
		"SWEEP_ARG_DRY_RUN=yes",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("environment missing %q:\n%s", want, joined)
		}
	}
}

func TestCaptureWriterTruncatesButStreamsEverything(t *testing.T) {
	var buf bytes.Buffer
	var streamed int
	w := newCaptureWriter(&buf, 8, "stdout", func(_ string, chunk []byte) {
		streamed += len(chunk)
	})

	for i := 0; i < 4; i++ {
		n, err := w.Write([]byte("abcde"))
		if err != nil || n != 5 {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if buf.Len() != 8 {
		t.Fatalf("captured %d bytes, want 8", buf.Len())
	}
	if streamed != 20 {
		t.Fatalf("streamed %d bytes, want 20", streamed)
	}
}

func TestParseOutput(t *testing.T) {
	if got := ParseOutput(catalog.ParseLines, "a\n\n b \n"); string(got) != `["a","b"]` {
		t.Fatalf("lines parse = %s", got)
	}
	if got := ParseOutput(catalog.ParseJSON, ` {"ok":true} `); string(got) != `{"ok":true}` {
		t.Fatalf("json parse = %s", got)
	}
	if got := ParseOutput(catalog.ParseJSON, "not json"); got != nil {
		t.Fatalf("invalid json parse = %s", got)
	}
	if got := ParseOutput(catalog.ParseNone, "anything"); got != nil {
		t.Fatalf("none parse = %s", got)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want Status
	}{
		{ErrTimeout, StatusTimeout},
		{ErrCancelled, StatusCancelled},
		{ErrAutomationDenied, StatusPermissionDenied},
		{ErrNonZeroExit, StatusFailed},
		{ErrHelperNotInstalled, StatusFailed},
	}
	for _, tc := range cases {
		if got := (&Error{Kind: tc.kind}).Status(); got != tc.want {
			t.Errorf("Status(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}
