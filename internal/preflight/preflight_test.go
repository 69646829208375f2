package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sweepkit/broker/internal/catalog"
)

type stubGate struct {
	granted map[string]bool
}

func (g *stubGate) Granted(_ context.Context, resource string) bool {
	return g.granted[resource]
}

func TestEvaluateNoChecksPasses(t *testing.T) {
	e := NewEngine(nil)
	cap := &catalog.Capability{ID: "quick.dns.flush"}

	res, err := e.Evaluate(context.Background(), cap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.CanExecute || len(res.Failed) != 0 {
		t.Fatalf("expected clean pass, got %+v", res)
	}
}

func TestEvaluateCollectsEveryFailure(t *testing.T) {
	e := NewEngine(&stubGate{granted: map[string]bool{}})
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	cap := &catalog.Capability{
		ID: "deep.caches.user",
		Preflight: []catalog.PreflightCheck{
			{Type: catalog.CheckPathExists, Target: missing, Message: "cache dir is missing", Remediation: "nothing to clean"},
			{Type: catalog.CheckAutomationPermission, Target: "com.apple.Safari", Message: "Safari automation not granted", Remediation: "grant automation access"},
		},
	}

	res, err := e.Evaluate(context.Background(), cap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.CanExecute {
		t.Fatal("expected CanExecute=false")
	}
	if len(res.Failed) != 2 {
		t.Fatalf("expected both failures reported, got %+v", res.Failed)
	}
	if len(res.Remediation) != 2 {
		t.Fatalf("expected both remediations, got %v", res.Remediation)
	}
}

func TestEvaluatePathChecks(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(nil)
	cap := &catalog.Capability{
		ID: "deep.caches.user",
		Preflight: []catalog.PreflightCheck{
			{Type: catalog.CheckPathExists, Target: dir, Message: "missing"},
			{Type: catalog.CheckPathWritable, Target: dir, Message: "not writable"},
		},
	}

	res, err := e.Evaluate(context.Background(), cap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.CanExecute {
		t.Fatalf("expected pass for existing writable dir, got %+v", res.Failed)
	}
}

func TestEvaluateSlotTargetDeferredWithoutBindings(t *testing.T) {
	e := NewEngine(nil)
	cap := &catalog.Capability{
		ID: "deep.caches.user",
		Preflight: []catalog.PreflightCheck{
			{Type: catalog.CheckPathExists, Target: "{root}", Message: "target is missing"},
		},
	}

	// Eligibility probe: no bindings yet, the slot-targeted check waits.
	res, err := e.Evaluate(context.Background(), cap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.CanExecute {
		t.Fatalf("slot-targeted check should be deferred, got %+v", res.Failed)
	}

	// At dispatch the binding exists and the check runs for real.
	res, err = e.Evaluate(context.Background(), cap, map[string]string{"root": filepath.Join(t.TempDir(), "gone")})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.CanExecute {
		t.Fatal("expected failure once the slot resolved to a missing path")
	}
	if res.Failed[0].Message != "target is missing" {
		t.Fatalf("failure message = %q", res.Failed[0].Message)
	}
}

func TestEvaluateAutomationPermission(t *testing.T) {
	gate := &stubGate{granted: map[string]bool{"com.apple.Safari": true}}
	e := NewEngine(gate)
	cap := &catalog.Capability{
		ID: "tabs.safari.list",
		Preflight: []catalog.PreflightCheck{
			{Type: catalog.CheckAutomationPermission, Target: "com.apple.Safari", Message: "not granted"},
		},
	}

	res, err := e.Evaluate(context.Background(), cap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.CanExecute {
		t.Fatalf("expected granted resource to pass, got %+v", res.Failed)
	}

	gate.granted["com.apple.Safari"] = false
	res, _ = e.Evaluate(context.Background(), cap, nil)
	if res.CanExecute {
		t.Fatal("expected revoked resource to fail")
	}
}

func TestEvaluateMinFreeDisk(t *testing.T) {
	e := NewEngine(nil)
	cap := &catalog.Capability{
		ID: "deep.system.temp",
		Preflight: []catalog.PreflightCheck{
			{Type: catalog.CheckMinFreeDisk, Target: os.TempDir(), MinBytes: 1, Message: "disk full"},
		},
	}

	res, err := e.Evaluate(context.Background(), cap, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.CanExecute {
		t.Fatalf("expected at least one free byte on %s, got %+v", os.TempDir(), res.Failed)
	}
}
