package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sweepkit/broker/internal/audit"
	"github.com/sweepkit/broker/internal/automation"
	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/confirm"
	"github.com/sweepkit/broker/internal/elevate"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/permission"
	"github.com/sweepkit/broker/internal/preflight"
)

const testManifest = `
version: "1.0.0"
capabilities:
  - id: quick.dns.flush
    title: Flush DNS cache
    group: quick
    tier: user
    risk: safe
    command:
      path: /usr/bin/dscacheutil
      args: ["-flushcache"]
  - id: deep.system.temp
    title: Clear system temp
    group: deep
    tier: elevated
    risk: destructive
    command:
      path: /usr/bin/find
      args: ["/private/tmp", "-mindepth", "1", "-delete"]
    preview:
      path: /usr/bin/du
      args: ["-sk", "/private/tmp"]
  - id: tabs.safari.list
    title: List Safari tabs
    group: tabs
    tier: automation
    risk: safe
    automationTarget: com.apple.Safari
    command:
      path: /usr/bin/osascript
  - id: quick.maintenance.periodic
    title: Run periodic maintenance
    group: quick
    tier: elevated
    risk: moderate
    command:
      path: /usr/sbin/periodic
      args: ["{task}"]
    argSlots:
      - name: task
        type: enum
        required: true
        enum: ["daily", "weekly", "monthly"]
`

// spyBackend counts invocations and returns configurable outcomes.
type spyBackend struct {
	mu        sync.Mutex
	calls     int32
	result    *executor.Result
	err       error
	canExec   bool
	failures  []preflight.CheckFailure
	block     chan struct{}
	lastReq   executor.Request
	cancelled []string
}

func newSpyBackend() *spyBackend {
	return &spyBackend{
		canExec: true,
		result:  &executor.Result{Status: executor.StatusSuccess, ExitCode: 0, Stdout: "ok"},
	}
}

func (s *spyBackend) Execute(ctx context.Context, req executor.Request, onProgress executor.Progress) (*executor.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.lastReq = req
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &executor.Result{Status: executor.StatusCancelled, ExitCode: -1}, executor.WrapError(executor.ErrCancelled, ctx.Err())
		}
	}
	if onProgress != nil && s.result != nil && s.result.Stdout != "" {
		onProgress("stdout", []byte(s.result.Stdout))
	}
	return s.result, s.err
}

func (s *spyBackend) CanExecute(ctx context.Context, cap *catalog.Capability) (*preflight.Result, error) {
	return &preflight.Result{CanExecute: s.canExec, Failed: s.failures}, nil
}

func (s *spyBackend) Cancel(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, correlationID)
	if s.block != nil {
		close(s.block)
		s.block = nil
	}
	return nil
}

func (s *spyBackend) callCount() int32 { return atomic.LoadInt32(&s.calls) }

// grantAllProber answers granted for everything.
type grantAllProber struct{}

func (grantAllProber) Probe(ctx context.Context, resource string) (permission.State, error) {
	return permission.StateGranted, nil
}
func (grantAllProber) RequestConsent(ctx context.Context, resource string) (permission.State, error) {
	return permission.StateGranted, nil
}
func (grantAllProber) Remediation(resource string) []string { return nil }

// denyProber answers denied for everything.
type denyProber struct{}

func (denyProber) Probe(ctx context.Context, resource string) (permission.State, error) {
	return permission.StateDenied, nil
}
func (denyProber) RequestConsent(ctx context.Context, resource string) (permission.State, error) {
	return permission.StateDenied, nil
}
func (denyProber) Remediation(resource string) []string { return []string{"grant it"} }

type fixture struct {
	dispatcher *Dispatcher
	store      *audit.Store
	user       *spyBackend
	elevated   *spyBackend
	auto       *spyBackend
}

func newFixture(t *testing.T, helperProber, autoProber permission.Prober) *fixture {
	t.Helper()

	cat, err := catalog.Load([]byte(testManifest), func(string) bool { return true })
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}

	dir := t.TempDir()
	store, err := audit.NewStore(filepath.Join(dir, "runs.jsonl"), 10, 3)
	if err != nil {
		t.Fatalf("audit.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gate, err := permission.NewGate(time.Minute, dir, helperProber, autoProber)
	if err != nil {
		t.Fatalf("permission.NewGate: %v", err)
	}

	risk, err := automation.NewRiskEvaluator("")
	if err != nil {
		t.Fatalf("automation.NewRiskEvaluator: %v", err)
	}

	user := newSpyBackend()
	elevated := newSpyBackend()
	auto := newSpyBackend()

	d := New(Options{
		Catalog:   cat,
		Checks:    preflight.NewEngine(gate),
		Gate:      gate,
		Store:     store,
		Confirmer: confirm.NewController(user, time.Minute),
		Risk:      risk,
		Backends: map[catalog.Tier]executor.Backend{
			catalog.TierUser:       user,
			catalog.TierElevated:   elevated,
			catalog.TierAutomation: auto,
		},
		Workers:        2,
		QueueSize:      4,
		DefaultTimeout: 10 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return &fixture{dispatcher: d, store: store, user: user, elevated: elevated, auto: auto}
}

func TestRunUnknownCapabilityHasNoSideEffects(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})

	_, err := f.dispatcher.Run(context.Background(), Request{CapabilityID: "does.not.exist"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.user.callCount() != 0 || f.elevated.callCount() != 0 || f.auto.callCount() != 0 {
		t.Fatal("backend invoked despite validation failure")
	}
	if got := f.store.Query(audit.Filter{}); len(got) != 0 {
		t.Fatalf("run record written for rejected request: %+v", got)
	}
}

func TestRunBadArgumentIsValidationError(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})

	_, err := f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "quick.maintenance.periodic",
		Bindings:     map[string]string{"task": "yearly"},
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.elevated.callCount() != 0 {
		t.Fatal("backend invoked despite invalid argument")
	}
}

func TestRunSuccessWritesTerminalRecord(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})

	var streamed []byte
	out, err := f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "quick.dns.flush",
		OnProgress: func(stream string, chunk []byte) {
			streamed = append(streamed, chunk...)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != executor.StatusSuccess {
		t.Fatalf("status = %q", out.Status)
	}
	if f.user.callCount() != 1 {
		t.Fatalf("user backend called %d times", f.user.callCount())
	}
	if string(streamed) != "ok" {
		t.Fatalf("streamed = %q", streamed)
	}

	rec := f.store.Get(out.CorrelationID)
	if rec == nil {
		t.Fatal("no run record")
	}
	if rec.Status != "success" || rec.CapabilityID != "quick.dns.flush" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunPreflightFailureBlocksExecution(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.user.canExec = false
	f.user.failures = []preflight.CheckFailure{{Type: "path_exists", Message: "missing"}}

	out, err := f.dispatcher.Run(context.Background(), Request{CapabilityID: "quick.dns.flush"})
	var pErr *PreflightError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PreflightError, got %v", err)
	}
	if len(pErr.Result.Failed) == 0 {
		t.Fatal("preflight failures not reported")
	}
	if f.user.callCount() != 0 {
		t.Fatal("backend invoked despite preflight failure")
	}

	rec := f.store.Get(out.CorrelationID)
	if rec == nil || rec.ErrorKind != "preflight_failed" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunMissingHelperSurfacesExecutorError(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.elevated.canExec = false
	f.elevated.failures = []preflight.CheckFailure{{
		Type:    elevate.CheckHelperAvailable,
		Message: "the privileged helper is not installed or not running",
	}}

	out, err := f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "quick.maintenance.periodic",
		Bindings:     map[string]string{"task": "daily"},
	})
	var execErr *executor.Error
	if !errors.As(err, &execErr) {
		t.Fatalf("expected executor error, got %v", err)
	}
	if execErr.Kind != executor.ErrHelperNotInstalled {
		t.Fatalf("kind = %q", execErr.Kind)
	}
	if f.elevated.callCount() != 0 {
		t.Fatal("backend invoked without a helper")
	}

	rec := f.store.Get(out.CorrelationID)
	if rec == nil || rec.ErrorKind != "helper_not_installed" {
		t.Fatalf("record = %+v", rec)
	}

	// With any other failed check alongside it, the full preflight report
	// is the answer, not the helper error.
	f.elevated.failures = append(f.elevated.failures, preflight.CheckFailure{Type: "path_exists", Message: "missing"})
	_, err = f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "quick.maintenance.periodic",
		Bindings:     map[string]string{"task": "daily"},
	})
	var pErr *PreflightError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PreflightError, got %v", err)
	}
}

func TestRunPermissionDeniedAtDispatch(t *testing.T) {
	f := newFixture(t, denyProber{}, denyProber{})

	out, err := f.dispatcher.Run(context.Background(), Request{CapabilityID: "tabs.safari.list"})
	var dErr *permission.DeniedError
	if !errors.As(err, &dErr) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if f.auto.callCount() != 0 {
		t.Fatal("backend invoked despite denied permission")
	}
	if out.Status != executor.StatusPermissionDenied {
		t.Fatalf("status = %q", out.Status)
	}

	rec := f.store.Get(out.CorrelationID)
	if rec == nil || rec.Status != "permission-denied" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunDestructiveRequiresConfirmation(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})

	_, err := f.dispatcher.Run(context.Background(), Request{CapabilityID: "deep.system.temp"})
	var cErr *ConfirmRequiredError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConfirmRequiredError, got %v", err)
	}
	if f.elevated.callCount() != 0 {
		t.Fatal("destructive capability ran without confirmation")
	}
}

func TestRunDestructiveRoundTrip(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.user.result = &executor.Result{Status: executor.StatusSuccess, Stdout: "2048\t/private/tmp\n"}

	preview, err := f.dispatcher.Preview(context.Background(), "deep.system.temp", nil)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.EstimatedBytes == 0 {
		t.Fatal("preview has no size estimate")
	}

	out, err := f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "deep.system.temp",
		ConfirmToken: preview.Token,
	})
	if err != nil {
		t.Fatalf("Run with confirmation: %v", err)
	}
	if out.Status != executor.StatusSuccess {
		t.Fatalf("status = %q", out.Status)
	}
	if f.elevated.callCount() != 1 {
		t.Fatalf("elevated backend called %d times", f.elevated.callCount())
	}

	// The token is spent; running again with it must fail before dispatch.
	_, err = f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "deep.system.temp",
		ConfirmToken: preview.Token,
	})
	var cErr *ConfirmRequiredError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected ConfirmRequiredError on token reuse, got %v", err)
	}
	if f.elevated.callCount() != 1 {
		t.Fatal("backend ran again on a spent token")
	}
}

func TestRunSingleFlightPerCapability(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.user.block = make(chan struct{})

	started := make(chan struct{})
	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, firstErr = f.dispatcher.Run(context.Background(), Request{CapabilityID: "quick.dns.flush"})
	}()
	<-started

	// Wait until the first run holds the capability slot.
	deadline := time.Now().Add(2 * time.Second)
	for f.user.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := f.dispatcher.Run(context.Background(), Request{CapabilityID: "quick.dns.flush"})
	var bErr *BusyError
	if !errors.As(err, &bErr) {
		t.Fatalf("expected BusyError, got %v", err)
	}

	f.user.Cancel("")
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first run failed: %v", firstErr)
	}
}

func TestRunDryRunDoesNotExecute(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.user.result = &executor.Result{Status: executor.StatusSuccess, Stdout: "2048\t/private/tmp\n"}

	out, err := f.dispatcher.Run(context.Background(), Request{
		CapabilityID: "deep.system.temp",
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("Run dry: %v", err)
	}
	if out.Preview == nil {
		t.Fatal("dry run returned no preview")
	}
	if f.elevated.callCount() != 0 {
		t.Fatal("dry run invoked the backend")
	}

	rec := f.store.Get(out.CorrelationID)
	if rec == nil || !rec.DryRun {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunMapsExecutorErrorStatus(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.user.result = &executor.Result{Status: executor.StatusTimeout, ExitCode: -1}
	f.user.err = executor.NewError(executor.ErrTimeout, "took too long")

	out, err := f.dispatcher.Run(context.Background(), Request{CapabilityID: "quick.dns.flush"})
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Status != executor.StatusTimeout {
		t.Fatalf("status = %q", out.Status)
	}

	rec := f.store.Get(out.CorrelationID)
	if rec == nil || rec.ErrorKind != "timeout" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestCancelRoutesToOwningBackend(t *testing.T) {
	f := newFixture(t, grantAllProber{}, grantAllProber{})
	f.user.block = make(chan struct{})

	outCh := make(chan *Outcome, 1)
	go func() {
		out, _ := f.dispatcher.Run(context.Background(), Request{CapabilityID: "quick.dns.flush"})
		outCh <- out
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.user.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Find the live correlation id through the store.
	records := f.store.Query(audit.Filter{CapabilityID: "quick.dns.flush"})
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
	if err := f.dispatcher.Cancel(records[0].CorrelationID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-outCh:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
	f.user.mu.Lock()
	defer f.user.mu.Unlock()
	if len(f.user.cancelled) != 1 {
		t.Fatalf("cancelled = %v", f.user.cancelled)
	}
}
