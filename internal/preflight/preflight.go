// Package preflight evaluates a capability's declared preconditions
// against live system state. Checks are pure predicates: nothing here has
// side effects, and a failed check always carries a human-readable message
// plus remediation so the UI can render a complete fix-it list in one pass.
package preflight

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("preflight")

// PermissionChecker reports whether a permission resource is currently in
// the granted state. Implemented by the permission gate.
type PermissionChecker interface {
	Granted(ctx context.Context, resource string) bool
}

// CheckFailure describes one failed precondition.
type CheckFailure struct {
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of evaluating all of a capability's checks.
// Failed is exhaustive: evaluation never stops at the first failure.
type Result struct {
	CanExecute  bool           `json:"canExecute"`
	Failed      []CheckFailure `json:"failedChecks,omitempty"`
	Remediation []string       `json:"remediation,omitempty"`
}

// Engine runs preflight checks concurrently.
type Engine struct {
	gate PermissionChecker
}

// NewEngine creates a preflight engine. gate may be nil when no automation
// checks will be evaluated (the helper daemon, for instance).
func NewEngine(gate PermissionChecker) *Engine {
	return &Engine{gate: gate}
}

// Evaluate runs every declared check for the capability. Checks run
// concurrently; all failures are collected. Checks whose target references
// an argument slot are deferred when bindings are nil (the UI's eligibility
// probe) and evaluated once real bindings exist at dispatch.
func (e *Engine) Evaluate(ctx context.Context, cap *catalog.Capability, bindings map[string]string) (*Result, error) {
	result := &Result{CanExecute: true}
	if len(cap.Preflight) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, check := range cap.Preflight {
		check := check
		target, resolved := resolveTarget(check.Target, bindings)
		if !resolved {
			continue
		}

		g.Go(func() error {
			ok, err := e.run(ctx, check.Type, target, check.MinBytes)
			if err != nil {
				log.Warn("preflight check errored", "capabilityId", cap.ID, "type", check.Type, "error", err)
				ok = false
			}
			if !ok {
				mu.Lock()
				result.CanExecute = false
				result.Failed = append(result.Failed, CheckFailure{
					Type:    check.Type,
					Target:  target,
					Message: check.Message,
				})
				if check.Remediation != "" {
					result.Remediation = append(result.Remediation, check.Remediation)
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) run(ctx context.Context, checkType, target string, minBytes int64) (bool, error) {
	switch checkType {
	case catalog.CheckPathExists:
		_, err := os.Stat(target)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil

	case catalog.CheckPathWritable:
		return pathWritable(target)

	case catalog.CheckAppRunning:
		running, err := appRunning(ctx, target)
		return running, err

	case catalog.CheckAppNotRunning:
		running, err := appRunning(ctx, target)
		return !running, err

	case catalog.CheckMinFreeDisk:
		usage, err := disk.UsageWithContext(ctx, target)
		if err != nil {
			return false, err
		}
		return usage.Free >= uint64(minBytes), nil

	case catalog.CheckAutomationPermission:
		if e.gate == nil {
			return false, nil
		}
		return e.gate.Granted(ctx, target), nil
	}

	// Unknown types are rejected at catalog load; reaching here means the
	// catalog and engine disagree, which must read as "cannot execute".
	return false, nil
}

// appRunning scans the process table for the application named by a bundle
// identifier (the last dot-separated segment is the process name).
func appRunning(ctx context.Context, bundleID string) (bool, error) {
	name := bundleID
	if idx := strings.LastIndex(bundleID, "."); idx >= 0 {
		name = bundleID[idx+1:]
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.EqualFold(pname, name) {
			return true, nil
		}
	}
	return false, nil
}

// resolveTarget substitutes an argument slot reference in a check target.
// Returns resolved=false when the target needs a binding that is absent.
func resolveTarget(target string, bindings map[string]string) (string, bool) {
	if !strings.HasPrefix(target, "{") || !strings.HasSuffix(target, "}") {
		return target, true
	}
	name := strings.Trim(target, "{}")
	value, ok := bindings[name]
	if !ok {
		return "", false
	}
	return value, true
}
