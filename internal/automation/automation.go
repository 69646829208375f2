// Package automation implements the automation execution tier: scripted
// control of other applications through the platform's automation bridge.
// Scripts are compiled in per capability; the catalog only selects them.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/logging"
	"github.com/sweepkit/broker/internal/preflight"
)

var log = logging.L("automation")

// ScriptRequest is one automation invocation handed to the bridge.
type ScriptRequest struct {
	CorrelationID string
	BundleID      string
	Script        string
	Timeout       time.Duration
}

// Bridge runs automation scripts against a target application. Implemented
// by the osascript bridge on macOS; other platforms report unsupported.
type Bridge interface {
	Run(ctx context.Context, req ScriptRequest) (string, error)
	AppInstalled(ctx context.Context, bundleID string) (bool, error)
}

// script describes one compiled-in automation script.
type script struct {
	// body is the script template; slot references ({name}) are replaced
	// with validated bindings before dispatch.
	body string
	// mutating scripts change application state; read-only scripts never
	// require confirmation regardless of the risk expression.
	mutating bool
	// parse declares how stdout becomes structured output.
	parse catalog.ParseStrategy
}

// builtinScripts maps capability ids to their automation scripts. An
// automation capability whose id is absent here cannot execute, no matter
// what the catalog says.
var builtinScripts = map[string]script{
	"tabs.safari.list": {
		parse: catalog.ParseJSON,
		body: `
tell application "Safari"
	set output to "["
	set first_item to true
	repeat with w in windows
		repeat with t in tabs of w
			if not first_item then set output to output & ","
			set first_item to false
			set output to output & "{\"title\":" & quoted form of (name of t) & ",\"url\":" & quoted form of (URL of t) & "}"
		end repeat
	end repeat
	return output & "]"
end tell`,
	},
	"tabs.safari.closeheavy": {
		mutating: true,
		parse:    catalog.ParseLines,
		body: `
tell application "Safari"
	set closed to {}
	repeat with w in windows
		set heavy_tabs to {}
		repeat with t in tabs of w
			if (URL of t) contains "{domain}" then
				set end of heavy_tabs to t
				set end of closed to (name of t)
			end if
		end repeat
		repeat with t in heavy_tabs
			close t
		end repeat
	end repeat
	set AppleScript's text item delimiters to linefeed
	return closed as text
end tell`,
	},
	"tabs.chrome.list": {
		parse: catalog.ParseJSON,
		body: `
tell application "Google Chrome"
	set output to "["
	set first_item to true
	repeat with w in windows
		repeat with t in tabs of w
			if not first_item then set output to output & ","
			set first_item to false
			set output to output & "{\"title\":" & quoted form of (title of t) & ",\"url\":" & quoted form of (URL of t) & "}"
		end repeat
	end repeat
	return output & "]"
end tell`,
	},
}

// Backend is the automation-tier executor.
type Backend struct {
	checks  *preflight.Engine
	bridge  Bridge
	scripts map[string]script
	timeout time.Duration
}

// NewBackend creates the automation backend with the platform bridge.
func NewBackend(checks *preflight.Engine, bridge Bridge, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Backend{
		checks:  checks,
		bridge:  bridge,
		scripts: builtinScripts,
		timeout: timeout,
	}
}

// CanExecute evaluates preconditions plus script availability and target
// app installation.
func (b *Backend) CanExecute(ctx context.Context, cap *catalog.Capability) (*preflight.Result, error) {
	result, err := b.checks.Evaluate(ctx, cap, nil)
	if err != nil {
		return nil, err
	}

	if _, ok := b.scripts[cap.ID]; !ok {
		result.CanExecute = false
		result.Failed = append(result.Failed, preflight.CheckFailure{
			Type:    "automation_script",
			Message: fmt.Sprintf("no automation script is built in for %s", cap.ID),
		})
		return result, nil
	}

	installed, err := b.bridge.AppInstalled(ctx, cap.AutomationTarget)
	if err != nil {
		log.Warn("app installation check failed", "bundleId", cap.AutomationTarget, "error", err)
	} else if !installed {
		result.CanExecute = false
		result.Failed = append(result.Failed, preflight.CheckFailure{
			Type:    "app_installed",
			Target:  cap.AutomationTarget,
			Message: "the target application is not installed",
		})
	}
	return result, nil
}

// Execute runs the capability's script through the bridge.
func (b *Backend) Execute(ctx context.Context, req executor.Request, onProgress executor.Progress) (*executor.Result, error) {
	startedAt := time.Now().UTC()
	res := &executor.Result{Status: executor.StatusFailed, ExitCode: -1, StartedAt: startedAt}
	finish := func() { res.CompletedAt = time.Now().UTC() }

	sc, ok := b.scripts[req.Capability.ID]
	if !ok {
		finish()
		return res, executor.NewError(executor.ErrUnsupportedOp, "no automation script for %s", req.Capability.ID)
	}

	body, err := renderScript(sc.body, req.Capability, req.Bindings)
	if err != nil {
		finish()
		return res, executor.WrapError(executor.ErrScriptFailed, err)
	}

	timeout := b.timeout
	if req.Capability.TimeoutSeconds > 0 {
		timeout = time.Duration(req.Capability.TimeoutSeconds) * time.Second
	}

	output, err := b.bridge.Run(ctx, ScriptRequest{
		CorrelationID: req.CorrelationID,
		BundleID:      req.Capability.AutomationTarget,
		Script:        body,
		Timeout:       timeout,
	})
	if err != nil {
		var execErr *executor.Error
		if errors.As(err, &execErr) {
			res.Status = execErr.Status()
		}
		finish()
		return res, err
	}

	if onProgress != nil && output != "" {
		onProgress("stdout", []byte(output))
	}

	res.Status = executor.StatusSuccess
	res.ExitCode = 0
	res.Stdout = output
	res.Parsed = executor.ParseOutput(sc.parse, output)
	finish()
	return res, nil
}

// Cancel is best-effort: the bridge process is killed through its context
// when the dispatch deadline fires, and AppleEvents have no cooperative
// cancel beyond that.
func (b *Backend) Cancel(correlationID string) error {
	return executor.NewError(executor.ErrUnsupportedOp, "automation executions cannot be cancelled mid-script")
}

// renderScript substitutes validated slot bindings into a script template.
// Values were validated by the catalog, but quoting characters are refused
// again here because AppleScript string context is its own injection
// surface.
func renderScript(body string, cap *catalog.Capability, bindings map[string]string) (string, error) {
	out := body
	for _, slot := range cap.ArgSlots {
		value, ok := bindings[slot.Name]
		if !ok {
			continue
		}
		for _, c := range value {
			if c == '"' || c == '\\' || c == '\n' || c == '\r' {
				return "", fmt.Errorf("automation: binding %q contains characters not representable in a script literal", slot.Name)
			}
		}
		out = strings.ReplaceAll(out, "{"+slot.Name+"}", value)
	}
	return out, nil
}

// TabEntry is the structured row produced by the list scripts.
type TabEntry struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ParseTabs decodes the JSON output of a tab listing capability.
func ParseTabs(parsed json.RawMessage) ([]TabEntry, error) {
	var tabs []TabEntry
	if err := json.Unmarshal(parsed, &tabs); err != nil {
		return nil, fmt.Errorf("automation: parse tab listing: %w", err)
	}
	return tabs, nil
}

// appleEventError maps a numeric AppleEvent error code to a typed executor
// error. Unlisted codes read as script failures.
func appleEventError(code int, detail string) *executor.Error {
	switch code {
	case -600: // procNotFound
		return &executor.Error{
			Kind:        executor.ErrAppNotRunning,
			Message:     "the target application is not running",
			Remediation: "open the application and try again",
		}
	case -1743: // errAEEventNotPermitted
		return &executor.Error{
			Kind:        executor.ErrAutomationDenied,
			Message:     "automation permission for the target application was denied",
			Remediation: "enable the permission in System Settings under Privacy & Security > Automation",
		}
	case -10810: // errOSAGeneralError raised for unlaunchable apps
		return &executor.Error{
			Kind:        executor.ErrAppNotInstalled,
			Message:     "the target application could not be launched",
			Remediation: "check that the application is installed",
		}
	case -1712: // event timed out
		return &executor.Error{
			Kind:    executor.ErrTimeout,
			Message: "the target application did not respond in time",
		}
	}
	return &executor.Error{
		Kind:    executor.ErrScriptFailed,
		Message: fmt.Sprintf("automation script failed with code %d: %s", code, detail),
	}
}
