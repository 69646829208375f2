package permission

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeProber counts probes and serves a scripted state.
type fakeProber struct {
	mu       sync.Mutex
	state    State
	probes   int
	consents int
}

func (p *fakeProber) Probe(ctx context.Context, resource string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.state, nil
}

func (p *fakeProber) RequestConsent(ctx context.Context, resource string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consents++
	p.state = StateGranted
	return p.state, nil
}

func (p *fakeProber) Remediation(resource string) []string {
	return []string{"enable access in system settings"}
}

func (p *fakeProber) set(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func newTestGate(t *testing.T, ttl time.Duration, prober *fakeProber) *Gate {
	t.Helper()
	gate, err := NewGate(ttl, t.TempDir(), prober, prober)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return gate
}

func TestStatusCachesWithinTTL(t *testing.T) {
	prober := &fakeProber{state: StateGranted}
	gate := newTestGate(t, time.Minute, prober)

	ctx := context.Background()
	if got := gate.Status(ctx, "com.apple.Safari"); got != StateGranted {
		t.Fatalf("expected granted, got %s", got)
	}
	gate.Status(ctx, "com.apple.Safari")
	gate.Status(ctx, "com.apple.Safari")

	if n := prober.probeCount(); n != 1 {
		t.Fatalf("expected 1 probe within TTL, got %d", n)
	}
}

func TestStatusReprobesAfterTTL(t *testing.T) {
	prober := &fakeProber{state: StateGranted}
	gate := newTestGate(t, time.Nanosecond, prober)

	ctx := context.Background()
	gate.Status(ctx, "com.apple.Safari")
	time.Sleep(time.Millisecond)
	gate.Status(ctx, "com.apple.Safari")

	if n := prober.probeCount(); n != 2 {
		t.Fatalf("expected 2 probes across TTL expiry, got %d", n)
	}
}

func TestRequireForcesProbeAndSeesRevocation(t *testing.T) {
	prober := &fakeProber{state: StateGranted}
	gate := newTestGate(t, time.Hour, prober)

	ctx := context.Background()
	if err := gate.Require(ctx, ResourceElevatedHelper); err != nil {
		t.Fatalf("expected granted resource to pass: %v", err)
	}

	// Revoke out-of-band. The cache is still fresh, but Require must
	// re-probe and block the next dispatch.
	prober.set(StateDenied)
	err := gate.Require(ctx, ResourceElevatedHelper)
	if err == nil {
		t.Fatal("expected denial after revocation")
	}
	denied, ok := err.(*DeniedError)
	if !ok {
		t.Fatalf("expected *DeniedError, got %T", err)
	}
	if denied.State != StateDenied {
		t.Fatalf("expected denied state, got %s", denied.State)
	}
	if len(denied.Remediation) == 0 {
		t.Fatal("expected remediation steps in denial")
	}
}

func TestRequestTriggersConsentFlow(t *testing.T) {
	prober := &fakeProber{state: StateNotDetermined}
	gate := newTestGate(t, time.Minute, prober)

	state, err := gate.Request(context.Background(), "com.google.Chrome")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if state != StateGranted {
		t.Fatalf("expected granted after consent, got %s", state)
	}
	if prober.consents != 1 {
		t.Fatalf("expected 1 consent request, got %d", prober.consents)
	}
}

func TestSubscribeReceivesStateChanges(t *testing.T) {
	prober := &fakeProber{state: StateGranted}
	gate := newTestGate(t, time.Nanosecond, prober)

	changes, cancel := gate.Subscribe()
	defer cancel()

	ctx := context.Background()
	gate.Status(ctx, "com.apple.Safari") // not-determined -> granted

	select {
	case change := <-changes:
		if change.Current != StateGranted {
			t.Fatalf("expected change to granted, got %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification received")
	}
}

func TestRecordsPersistAcrossGates(t *testing.T) {
	prober := &fakeProber{state: StateDenied}
	dir := t.TempDir()

	gate, err := NewGate(time.Minute, dir, prober, prober)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gate.Status(context.Background(), "com.apple.Safari")

	reopened, err := NewGate(time.Minute, dir, prober, prober)
	if err != nil {
		t.Fatalf("NewGate (reopen): %v", err)
	}
	records := reopened.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].State != StateDenied {
		t.Fatalf("expected persisted denied state, got %s", records[0].State)
	}
}
