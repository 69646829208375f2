package automation

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/preflight"
)

// fakeBridge records the last request and returns canned results.
type fakeBridge struct {
	lastScript string
	output     string
	err        error
	installed  bool
}

func (f *fakeBridge) Run(ctx context.Context, req ScriptRequest) (string, error) {
	f.lastScript = req.Script
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

func (f *fakeBridge) AppInstalled(ctx context.Context, bundleID string) (bool, error) {
	return f.installed, nil
}

func listCapability() *catalog.Capability {
	return &catalog.Capability{
		ID:               "tabs.safari.list",
		Tier:             catalog.TierAutomation,
		Risk:             catalog.RiskSafe,
		AutomationTarget: "com.apple.Safari",
		Parse:            catalog.ParseJSON,
	}
}

func TestExecuteParsesTabListing(t *testing.T) {
	bridge := &fakeBridge{
		installed: true,
		output:    `[{"title":"Example","url":"https://example.com"}]`,
	}
	b := NewBackend(preflight.NewEngine(nil), bridge, 0)

	res, err := b.Execute(context.Background(), executor.Request{
		CorrelationID: "corr-1",
		Capability:    listCapability(),
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != executor.StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}

	tabs, err := ParseTabs(res.Parsed)
	if err != nil {
		t.Fatalf("ParseTabs: %v", err)
	}
	if len(tabs) != 1 || tabs[0].URL != "https://example.com" {
		t.Fatalf("tabs = %+v", tabs)
	}
}

func TestExecuteSubstitutesBindings(t *testing.T) {
	bridge := &fakeBridge{installed: true}
	b := NewBackend(preflight.NewEngine(nil), bridge, 0)

	cap := &catalog.Capability{
		ID:               "tabs.safari.closeheavy",
		Tier:             catalog.TierAutomation,
		Risk:             catalog.RiskModerate,
		AutomationTarget: "com.apple.Safari",
		ArgSlots:         []catalog.ArgSlot{{Name: "domain", Type: "string"}},
	}

	_, err := b.Execute(context.Background(), executor.Request{
		CorrelationID: "corr-1",
		Capability:    cap,
		Bindings:      map[string]string{"domain": "youtube.com"},
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(bridge.lastScript, "youtube.com") {
		t.Fatal("binding was not substituted into the script")
	}
	if strings.Contains(bridge.lastScript, "{domain}") {
		t.Fatal("slot reference left unsubstituted")
	}
}

// slotRefs extracts the {name} references a script body expects bindings for.
var slotRefs = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

func TestBuiltinScriptsMatchBuiltinManifest(t *testing.T) {
	cat, err := catalog.LoadBuiltin(func(string) bool { return true })
	if err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}

	for id, sc := range builtinScripts {
		cap, ok := cat.Lookup(id)
		if !ok {
			t.Errorf("script %s has no manifest entry", id)
			continue
		}
		// Every slot the script substitutes must be declared, and required,
		// or the literal reference survives rendering and matches nothing.
		for _, m := range slotRefs.FindAllStringSubmatch(sc.body, -1) {
			slot, ok := cap.Slot(m[1])
			if !ok {
				t.Errorf("%s: script references undeclared slot %q", id, m[1])
				continue
			}
			if !slot.Required {
				t.Errorf("%s: script slot %q must be required", id, m[1])
			}
		}
	}
}

func TestCloseHeavyRendersFromShippedManifest(t *testing.T) {
	cat, err := catalog.LoadBuiltin(func(string) bool { return true })
	if err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}
	cap, ok := cat.Lookup("tabs.safari.closeheavy")
	if !ok {
		t.Fatal("tabs.safari.closeheavy is not in the builtin manifest")
	}

	if _, err := cap.BindArgs(nil); err == nil {
		t.Fatal("expected missing domain argument to be rejected")
	}
	if _, err := cap.BindArgs(map[string]string{"domain": "youtube.com"}); err != nil {
		t.Fatalf("BindArgs: %v", err)
	}

	bridge := &fakeBridge{installed: true, output: "Heavy Tab"}
	b := NewBackend(preflight.NewEngine(nil), bridge, 0)
	res, err := b.Execute(context.Background(), executor.Request{
		CorrelationID: "corr-1",
		Capability:    cap,
		Bindings:      map[string]string{"domain": "youtube.com"},
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != executor.StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if !strings.Contains(bridge.lastScript, `contains "youtube.com"`) {
		t.Fatalf("domain was not substituted into the shipped script:\n%s", bridge.lastScript)
	}
	if strings.Contains(bridge.lastScript, "{domain}") {
		t.Fatal("slot reference left unsubstituted")
	}
}

func TestExecuteRejectsUnscriptableBinding(t *testing.T) {
	bridge := &fakeBridge{installed: true}
	b := NewBackend(preflight.NewEngine(nil), bridge, 0)

	cap := &catalog.Capability{
		ID:               "tabs.safari.closeheavy",
		Tier:             catalog.TierAutomation,
		AutomationTarget: "com.apple.Safari",
		ArgSlots:         []catalog.ArgSlot{{Name: "domain", Type: "string"}},
	}

	_, err := b.Execute(context.Background(), executor.Request{
		CorrelationID: "corr-1",
		Capability:    cap,
		Bindings:      map[string]string{"domain": `evil" & quit & "`},
	}, nil)
	if err == nil {
		t.Fatal("expected rejection of quote characters in binding")
	}
	if bridge.lastScript != "" {
		t.Fatal("script ran despite invalid binding")
	}
}

func TestExecuteUnknownScript(t *testing.T) {
	b := NewBackend(preflight.NewEngine(nil), &fakeBridge{installed: true}, 0)

	cap := &catalog.Capability{ID: "tabs.firefox.list", Tier: catalog.TierAutomation}
	_, err := b.Execute(context.Background(), executor.Request{CorrelationID: "corr-1", Capability: cap}, nil)

	var execErr *executor.Error
	if !errors.As(err, &execErr) || execErr.Kind != executor.ErrUnsupportedOp {
		t.Fatalf("expected unsupported_operation, got %v", err)
	}
}

func TestExecuteMapsBridgeErrorStatus(t *testing.T) {
	bridge := &fakeBridge{installed: true, err: appleEventError(-1743, "not permitted")}
	b := NewBackend(preflight.NewEngine(nil), bridge, 0)

	res, err := b.Execute(context.Background(), executor.Request{
		CorrelationID: "corr-1",
		Capability:    listCapability(),
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status != executor.StatusPermissionDenied {
		t.Fatalf("status = %q, want permission-denied", res.Status)
	}
}

func TestAppleEventErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		kind executor.ErrorKind
	}{
		{-600, executor.ErrAppNotRunning},
		{-1743, executor.ErrAutomationDenied},
		{-10810, executor.ErrAppNotInstalled},
		{-1712, executor.ErrTimeout},
		{-1728, executor.ErrScriptFailed},
	}
	for _, c := range cases {
		if got := appleEventError(c.code, "detail").Kind; got != c.kind {
			t.Errorf("code %d: kind = %q, want %q", c.code, got, c.kind)
		}
	}
}

func TestRiskEvaluatorDefault(t *testing.T) {
	ev, err := NewRiskEvaluator("")
	if err != nil {
		t.Fatalf("NewRiskEvaluator: %v", err)
	}

	readonly := listCapability()
	if ev.RequiresConfirm(readonly) {
		t.Fatal("read-only listing should not require confirmation")
	}

	mutating := &catalog.Capability{
		ID:   "tabs.safari.closeheavy",
		Risk: catalog.RiskModerate,
		Tier: catalog.TierAutomation,
	}
	if !ev.RequiresConfirm(mutating) {
		t.Fatal("mutating script should require confirmation")
	}

	destructive := listCapability()
	destructive.Risk = catalog.RiskDestructive
	if !ev.RequiresConfirm(destructive) {
		t.Fatal("destructive capability should require confirmation")
	}
}

func TestRiskEvaluatorCustomExpression(t *testing.T) {
	ev, err := NewRiskEvaluator(`capability.target == "com.apple.Safari"`)
	if err != nil {
		t.Fatalf("NewRiskEvaluator: %v", err)
	}
	if !ev.RequiresConfirm(listCapability()) {
		t.Fatal("custom expression should match Safari target")
	}

	chrome := listCapability()
	chrome.AutomationTarget = "com.google.Chrome"
	if ev.RequiresConfirm(chrome) {
		t.Fatal("custom expression should not match Chrome target")
	}
}

func TestRiskEvaluatorRejectsNonBoolean(t *testing.T) {
	if _, err := NewRiskEvaluator(`capability.id`); err == nil {
		t.Fatal("expected compile error for non-boolean expression")
	}
}
