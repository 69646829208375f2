// Package permission tracks per-resource authorization state: automation
// consent per application bundle id, and the elevated helper's installation
// grant. This is the only mutable, persisted trust state in the broker.
// State is refreshed by active probing; the operating system can revoke a
// grant at any time, so nothing here is ever treated as permanently valid.
package permission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("permission")

// ResourceElevatedHelper is the permission resource representing the
// privileged helper's installation/authorization state.
const ResourceElevatedHelper = "elevated-helper"

// State is the tri-state authorization status of a resource.
type State string

const (
	StateNotDetermined State = "not-determined"
	StateGranted       State = "granted"
	StateDenied        State = "denied"
)

// Record is the persisted authorization state for one resource.
type Record struct {
	Resource    string    `yaml:"resource" json:"resource"`
	State       State     `yaml:"state" json:"state"`
	LastChecked time.Time `yaml:"lastChecked" json:"lastChecked"`
}

// Change notifies subscribers that a resource's observed state changed.
type Change struct {
	Resource string
	Previous State
	Current  State
}

// Prober actively determines the live authorization state of a resource.
// Probe must be a no-op with respect to user interaction; RequestConsent
// may block on the OS consent dialog.
type Prober interface {
	Probe(ctx context.Context, resource string) (State, error)
	RequestConsent(ctx context.Context, resource string) (State, error)
	Remediation(resource string) []string
}

// DeniedError is returned when an operation requires a grant the resource
// does not hold.
type DeniedError struct {
	Resource    string
	State       State
	Remediation []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission: resource %q is %s", e.Resource, e.State)
}

// Gate answers eligibility questions about permission resources, caching
// probe results for a bounded TTL. The TTL bounds staleness only, never
// correctness: callers on the elevated/automation path re-check via
// Status immediately before dispatch.
type Gate struct {
	mu        sync.Mutex
	ttl       time.Duration
	records   map[string]Record
	helper    Prober
	auto      Prober
	storePath string

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// NewGate creates a gate with the given cache TTL, persisting records under
// dataDir. helperProber handles ResourceElevatedHelper; autoProber handles
// every other resource (application bundle ids).
func NewGate(ttl time.Duration, dataDir string, helperProber, autoProber Prober) (*Gate, error) {
	g := &Gate{
		ttl:     ttl,
		records: make(map[string]Record),
		helper:  helperProber,
		auto:    autoProber,
		subs:    make(map[int]chan Change),
	}
	if dataDir != "" {
		g.storePath = filepath.Join(dataDir, "permissions.yaml")
		if err := g.load(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Status returns the resource's state, re-probing when the cached record is
// older than the TTL. A persisted record never short-circuits a probe past
// its TTL: stale trust is dropped, not extended.
func (g *Gate) Status(ctx context.Context, resource string) State {
	g.mu.Lock()
	rec, ok := g.records[resource]
	fresh := ok && time.Since(rec.LastChecked) < g.ttl
	g.mu.Unlock()

	if fresh {
		return rec.State
	}
	return g.probe(ctx, resource)
}

// Granted implements preflight.PermissionChecker.
func (g *Gate) Granted(ctx context.Context, resource string) bool {
	return g.Status(ctx, resource) == StateGranted
}

// Require returns a DeniedError unless the resource is granted right now.
// The probe is forced regardless of cache freshness; this is the check the
// dispatcher runs at the moment of elevated/automation dispatch.
func (g *Gate) Require(ctx context.Context, resource string) error {
	state := g.probe(ctx, resource)
	if state == StateGranted {
		return nil
	}
	return &DeniedError{
		Resource:    resource,
		State:       state,
		Remediation: g.Remediation(resource),
	}
}

// Request actively triggers the OS consent flow for the resource. May block
// on user interaction.
func (g *Gate) Request(ctx context.Context, resource string) (State, error) {
	prober := g.proberFor(resource)
	if prober == nil {
		return StateNotDetermined, fmt.Errorf("permission: no prober for resource %q", resource)
	}

	state, err := prober.RequestConsent(ctx, resource)
	if err != nil {
		return StateNotDetermined, fmt.Errorf("permission: consent request for %q: %w", resource, err)
	}
	g.record(resource, state)
	return state, nil
}

// Remediation returns the user-facing steps to grant the resource.
func (g *Gate) Remediation(resource string) []string {
	prober := g.proberFor(resource)
	if prober == nil {
		return nil
	}
	return prober.Remediation(resource)
}

// Invalidate drops the cached record so the next Status call re-probes.
func (g *Gate) Invalidate(resource string) {
	g.mu.Lock()
	delete(g.records, resource)
	g.mu.Unlock()
}

// Subscribe returns a channel of state changes and a cancel function.
// Notifications are dropped, never blocked on, if the subscriber lags.
func (g *Gate) Subscribe() (<-chan Change, func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	id := g.nextSub
	g.nextSub++
	ch := make(chan Change, 16)
	g.subs[id] = ch

	cancel := func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		if sub, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Records returns a snapshot of all known permission records.
func (g *Gate) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	return out
}

func (g *Gate) probe(ctx context.Context, resource string) State {
	prober := g.proberFor(resource)
	if prober == nil {
		return StateNotDetermined
	}

	state, err := prober.Probe(ctx, resource)
	if err != nil {
		log.Warn("permission probe failed", "resource", resource, "error", err)
		state = StateNotDetermined
	}
	g.record(resource, state)
	return state
}

func (g *Gate) record(resource string, state State) {
	g.mu.Lock()
	prev := g.records[resource].State
	g.records[resource] = Record{
		Resource:    resource,
		State:       state,
		LastChecked: time.Now().UTC(),
	}
	g.mu.Unlock()

	if prev != state {
		log.Info("permission state changed", "resource", resource, "from", prev, "to", state)
		g.notify(Change{Resource: resource, Previous: prev, Current: state})
	}
	if err := g.save(); err != nil {
		log.Warn("failed to persist permission records", "error", err)
	}
}

func (g *Gate) notify(change Change) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (g *Gate) proberFor(resource string) Prober {
	if resource == ResourceElevatedHelper {
		return g.helper
	}
	return g.auto
}

func (g *Gate) load() error {
	data, err := os.ReadFile(g.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("permission: read records: %w", err)
	}

	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("permission: decode records: %w", err)
	}

	g.mu.Lock()
	for _, rec := range records {
		g.records[rec.Resource] = rec
	}
	g.mu.Unlock()
	return nil
}

func (g *Gate) save() error {
	if g.storePath == "" {
		return nil
	}

	g.mu.Lock()
	records := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		records = append(records, rec)
	}
	g.mu.Unlock()

	data, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.storePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(g.storePath, data, 0600)
}
