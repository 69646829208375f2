package automation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/permission"
)

// probeScript is the least invasive event that still exercises the
// automation permission: asking for the app's name.
const probeScript = `tell application id "{bundle}" to get name`

// Prober implements the permission gate's automation probing by sending a
// harmless AppleEvent to the target app and classifying the failure mode.
type Prober struct {
	bridge  Bridge
	timeout time.Duration
}

// NewProber creates an automation permission prober.
func NewProber(bridge Bridge, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{bridge: bridge, timeout: timeout}
}

// Probe actively checks whether automation of the resource (a bundle id)
// is permitted right now.
func (p *Prober) Probe(ctx context.Context, resource string) (permission.State, error) {
	return p.classify(ctx, resource)
}

// RequestConsent triggers the OS consent prompt. On macOS the prompt
// appears on the first real AppleEvent, so this is the same probe with a
// longer deadline for the user to answer.
func (p *Prober) RequestConsent(ctx context.Context, resource string) (permission.State, error) {
	consentCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return p.classifyWithTimeout(consentCtx, resource, 2*time.Minute)
}

// Remediation describes how to grant automation access.
func (p *Prober) Remediation(resource string) []string {
	return []string{
		"open System Settings > Privacy & Security > Automation",
		"enable Sweep for " + resource,
	}
}

func (p *Prober) classify(ctx context.Context, resource string) (permission.State, error) {
	return p.classifyWithTimeout(ctx, resource, p.timeout)
}

func (p *Prober) classifyWithTimeout(ctx context.Context, resource string, timeout time.Duration) (permission.State, error) {
	script := probeScriptFor(resource)
	_, err := p.bridge.Run(ctx, ScriptRequest{
		BundleID: resource,
		Script:   script,
		Timeout:  timeout,
	})
	if err == nil {
		return permission.StateGranted, nil
	}

	var execErr *executor.Error
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case executor.ErrAutomationDenied:
			return permission.StateDenied, nil
		case executor.ErrAppNotRunning, executor.ErrAppNotInstalled:
			// Cannot distinguish the permission state without a running
			// target; leave it undetermined rather than guessing.
			return permission.StateNotDetermined, nil
		case executor.ErrTimeout:
			return permission.StateNotDetermined, nil
		}
	}
	return permission.StateNotDetermined, err
}

// probeScriptFor renders the probe for a bundle id. Bundle ids come from
// the validated catalog and contain no quoting characters.
func probeScriptFor(bundleID string) string {
	return strings.ReplaceAll(probeScript, "{bundle}", bundleID)
}
