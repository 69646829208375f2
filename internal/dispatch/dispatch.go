// Package dispatch drives a validated request through the broker's fixed
// pipeline: validation, preflight, permission re-check, confirmation for
// destructive work, then exactly one backend invocation. Every accepted
// dispatch ends in a terminal run record no matter which stage fails.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sweepkit/broker/internal/audit"
	"github.com/sweepkit/broker/internal/automation"
	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/confirm"
	"github.com/sweepkit/broker/internal/elevate"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/logging"
	"github.com/sweepkit/broker/internal/permission"
	"github.com/sweepkit/broker/internal/preflight"
)

var log = logging.L("dispatch")

// Request is one execution request from the UI or CLI.
type Request struct {
	CapabilityID string
	Bindings     map[string]string
	ConfirmToken string
	DryRun       bool
	OnProgress   executor.Progress
}

// Outcome is the pipeline's answer. Preflight is populated whenever the
// preflight stage ran; Result whenever a backend was invoked; Preview only
// for dry runs.
type Outcome struct {
	CorrelationID string            `json:"correlationId"`
	Status        executor.Status   `json:"status"`
	Result        *executor.Result  `json:"result,omitempty"`
	Preflight     *preflight.Result `json:"preflight,omitempty"`
	Preview       *confirm.Preview  `json:"preview,omitempty"`
}

// Dispatcher owns the pipeline and the execution pool.
type Dispatcher struct {
	cat       *catalog.Catalog
	checks    *preflight.Engine
	gate      *permission.Gate
	store     *audit.Store
	confirmer *confirm.Controller
	risk      *automation.RiskEvaluator
	backends  map[catalog.Tier]executor.Backend
	pool      *Pool

	defaultTimeout time.Duration

	flight *singleFlight
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Catalog        *catalog.Catalog
	Checks         *preflight.Engine
	Gate           *permission.Gate
	Store          *audit.Store
	Confirmer      *confirm.Controller
	Risk           *automation.RiskEvaluator
	Backends       map[catalog.Tier]executor.Backend
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

// New creates a dispatcher and starts its worker pool.
func New(opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		cat:            opts.Catalog,
		checks:         opts.Checks,
		gate:           opts.Gate,
		store:          opts.Store,
		confirmer:      opts.Confirmer,
		risk:           opts.Risk,
		backends:       opts.Backends,
		pool:           NewPool(opts.Workers, opts.QueueSize),
		defaultTimeout: opts.DefaultTimeout,
		flight:         newSingleFlight(),
	}
}

// Run drives one request through the full pipeline synchronously.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Outcome, error) {
	correlationID := uuid.NewString()
	out := &Outcome{CorrelationID: correlationID, Status: executor.StatusFailed}
	reqLog := logging.WithRequest(log, correlationID, req.CapabilityID)

	// Stage: validation. Failures here have zero side effects.
	cap, argv, backend, err := d.validate(req)
	if err != nil {
		return out, err
	}

	// One execution per capability id at a time.
	if !d.flight.acquire(cap.ID, correlationID, backend) {
		return out, &BusyError{CapabilityID: cap.ID, Reason: "capability is already running"}
	}
	defer d.flight.release(cap.ID)

	// The dispatch is accepted: from here on a terminal run record is
	// guaranteed. A persistence failure only blocks destructive work.
	if err := d.beginRecord(cap, req, correlationID); err != nil {
		return out, err
	}
	finish := func(status executor.Status, res *executor.Result, cause error) {
		out.Status = status
		out.Result = res
		d.completeRecord(cap, req, correlationID, status, res, cause)
	}

	// Stage: preflight. Exhaustive; all failures are reported at once.
	pf, err := d.runPreflight(ctx, cap, req.Bindings, backend)
	if err != nil {
		finish(executor.StatusFailed, nil, err)
		return out, err
	}
	out.Preflight = pf
	if !pf.CanExecute {
		perr := preflightFailure(cap, pf)
		finish(executor.StatusFailed, nil, perr)
		return out, perr
	}

	// Stage: permission. Always a live probe at the moment of dispatch so
	// a mid-session revocation is caught here, never by the backend.
	if err := d.requirePermission(ctx, cap); err != nil {
		finish(executor.StatusPermissionDenied, nil, err)
		return out, err
	}

	if req.DryRun {
		preview, err := d.confirmer.Generate(ctx, cap, req.Bindings)
		if err != nil {
			finish(executor.StatusFailed, nil, err)
			return out, err
		}
		out.Preview = preview
		finish(executor.StatusSuccess, nil, nil)
		return out, nil
	}

	// Stage: confirmation, for destructive work and whatever the
	// automation risk heuristic flags.
	if err := d.checkConfirmation(cap, req); err != nil {
		finish(executor.StatusFailed, nil, err)
		return out, err
	}

	// Stage: execution.
	reqLog.Info("dispatching", "tier", cap.Tier, "risk", cap.Risk)
	res, execErr := d.execute(ctx, cap, argv, req, correlationID, backend)

	status := executor.StatusFailed
	if res != nil && res.Status.Terminal() {
		status = res.Status
	}
	var execTyped *executor.Error
	if execErr != nil && errors.As(execErr, &execTyped) {
		status = execTyped.Status()
	}
	if execErr == nil && res != nil {
		status = res.Status
	}
	finish(status, res, execErr)
	reqLog.Info("dispatch finished", "status", status)
	return out, execErr
}

// Preview generates a dry-run preview without executing. Validation and
// preflight still apply.
func (d *Dispatcher) Preview(ctx context.Context, capabilityID string, bindings map[string]string) (*confirm.Preview, error) {
	req := Request{CapabilityID: capabilityID, Bindings: bindings}
	cap, _, backend, err := d.validate(req)
	if err != nil {
		return nil, err
	}
	pf, err := d.runPreflight(ctx, cap, bindings, backend)
	if err != nil {
		return nil, err
	}
	if !pf.CanExecute {
		return nil, preflightFailure(cap, pf)
	}
	return d.confirmer.Generate(ctx, cap, bindings)
}

// Preflight validates a request and evaluates its checks without
// executing anything or touching the audit log.
func (d *Dispatcher) Preflight(ctx context.Context, capabilityID string, bindings map[string]string) (*preflight.Result, error) {
	cap, _, backend, err := d.validate(Request{CapabilityID: capabilityID, Bindings: bindings})
	if err != nil {
		return nil, err
	}
	return d.runPreflight(ctx, cap, bindings, backend)
}

// Cancel requests cooperative cancellation of a running execution.
func (d *Dispatcher) Cancel(correlationID string) error {
	backend, ok := d.flight.backendFor(correlationID)
	if !ok {
		return &ValidationError{CapabilityID: "", Reason: "no running execution with that correlation id"}
	}
	return backend.Cancel(correlationID)
}

// Status returns the run record for a correlation id.
func (d *Dispatcher) Status(correlationID string) *audit.RunRecord {
	return d.store.Get(correlationID)
}

// RecordPermissionChanges mirrors gate transitions into the audit chain
// until ctx is cancelled.
func (d *Dispatcher) RecordPermissionChanges(ctx context.Context) {
	changes, unsubscribe := d.gate.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := d.store.Permission(change.Resource, string(change.Previous), string(change.Current)); err != nil {
				log.Warn("failed to record permission change", "resource", change.Resource, "error", err)
			}
			// Pending previews assume the permission state they were
			// generated under.
			if change.Current == permission.StateDenied {
				d.confirmer.Invalidate()
			}
		}
	}
}

// Shutdown drains the execution pool.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

func (d *Dispatcher) validate(req Request) (*catalog.Capability, []string, executor.Backend, error) {
	cap, ok := d.cat.Lookup(req.CapabilityID)
	if !ok {
		return nil, nil, nil, &ValidationError{CapabilityID: req.CapabilityID, Reason: "unknown capability"}
	}

	argv, err := cap.BindArgs(req.Bindings)
	if err != nil {
		return nil, nil, nil, &ValidationError{CapabilityID: cap.ID, Reason: err.Error()}
	}

	backend, ok := d.backends[backendTier(cap)]
	if !ok {
		return nil, nil, nil, &ValidationError{CapabilityID: cap.ID, Reason: "no backend for tier " + string(cap.Tier)}
	}
	return cap, argv, backend, nil
}

// backendTier maps catalog tiers onto executor backends. Full-disk
// capabilities run in the user tier; the extra access is an app-level
// grant, not a separate execution path.
func backendTier(cap *catalog.Capability) catalog.Tier {
	if cap.Tier == catalog.TierFullDisk {
		return catalog.TierUser
	}
	return cap.Tier
}

// runPreflight combines backend readiness with the catalog's declared
// checks evaluated against real bindings, deduplicating overlap.
func (d *Dispatcher) runPreflight(ctx context.Context, cap *catalog.Capability, bindings map[string]string, backend executor.Backend) (*preflight.Result, error) {
	ready, err := backend.CanExecute(ctx, cap)
	if err != nil {
		return nil, err
	}
	bound, err := d.checks.Evaluate(ctx, cap, bindings)
	if err != nil {
		return nil, err
	}

	merged := &preflight.Result{CanExecute: ready.CanExecute && bound.CanExecute}
	seen := make(map[preflight.CheckFailure]bool)
	for _, f := range append(ready.Failed, bound.Failed...) {
		if seen[f] {
			continue
		}
		seen[f] = true
		merged.Failed = append(merged.Failed, f)
	}
	seenRem := make(map[string]bool)
	for _, r := range append(ready.Remediation, bound.Remediation...) {
		if seenRem[r] {
			continue
		}
		seenRem[r] = true
		merged.Remediation = append(merged.Remediation, r)
	}
	return merged, nil
}

// preflightFailure converts a failed preflight result into the error the
// caller sees. When the only failure is the elevated backend's own helper
// check, the helper is unavailable rather than a precondition unmet, so it
// surfaces with the executor error kind the backend would raise mid-run.
func preflightFailure(cap *catalog.Capability, pf *preflight.Result) error {
	if len(pf.Failed) == 1 {
		var kind executor.ErrorKind
		switch pf.Failed[0].Type {
		case elevate.CheckHelperAvailable:
			kind = executor.ErrHelperNotInstalled
		case elevate.CheckHelperVersion:
			kind = executor.ErrHelperOutdated
		}
		if kind != "" {
			e := executor.NewError(kind, "%s", pf.Failed[0].Message)
			if len(pf.Remediation) > 0 {
				e.Remediation = pf.Remediation[0]
			}
			return e
		}
	}
	return &PreflightError{CapabilityID: cap.ID, Result: pf}
}

func (d *Dispatcher) requirePermission(ctx context.Context, cap *catalog.Capability) error {
	switch cap.Tier {
	case catalog.TierElevated:
		return d.gate.Require(ctx, permission.ResourceElevatedHelper)
	case catalog.TierAutomation:
		return d.gate.Require(ctx, cap.AutomationTarget)
	}
	return nil
}

func (d *Dispatcher) checkConfirmation(cap *catalog.Capability, req Request) error {
	required := cap.Risk == catalog.RiskDestructive
	if !required && cap.Tier == catalog.TierAutomation && d.risk != nil {
		required = d.risk.RequiresConfirm(cap)
	}
	if !required {
		return nil
	}

	if req.ConfirmToken == "" {
		return &ConfirmRequiredError{CapabilityID: cap.ID, Reason: "generate a preview and confirm it first"}
	}
	if err := d.confirmer.Redeem(req.ConfirmToken, cap, req.Bindings); err != nil {
		return &ConfirmRequiredError{CapabilityID: cap.ID, Reason: err.Error()}
	}
	return nil
}

// beginRecord opens the run record. A persistence failure leaves the
// record in the fallback buffer; destructive work refuses to proceed
// without a durable record, everything else continues.
func (d *Dispatcher) beginRecord(cap *catalog.Capability, req Request, correlationID string) error {
	err := d.store.Begin(audit.RunRecord{
		CorrelationID: correlationID,
		CapabilityID:  cap.ID,
		Tier:          string(cap.Tier),
		RiskClass:     string(cap.Risk),
		Arguments:     req.Bindings,
		DryRun:        req.DryRun,
	})
	if err == nil {
		return nil
	}

	var perr *audit.PersistenceError
	if errors.As(err, &perr) && cap.Risk != catalog.RiskDestructive {
		log.Warn("run record buffered, continuing non-destructive dispatch", "correlationId", correlationID, "error", err)
		return nil
	}
	return err
}

func (d *Dispatcher) completeRecord(cap *catalog.Capability, req Request, correlationID string, status executor.Status, res *executor.Result, cause error) {
	rec := audit.RunRecord{
		CorrelationID: correlationID,
		CapabilityID:  cap.ID,
		Tier:          string(cap.Tier),
		RiskClass:     string(cap.Risk),
		Status:        string(status),
		Arguments:     req.Bindings,
		DryRun:        req.DryRun,
		ExitCode:      -1,
	}
	if res != nil {
		rec.ExitCode = res.ExitCode
		rec.StartedAt = res.StartedAt
	}
	if status == executor.StatusSuccess || status == executor.StatusPartialSuccess {
		if res == nil {
			rec.ExitCode = 0
		}
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
		var execErr *executor.Error
		switch {
		case errors.As(cause, &execErr):
			rec.ErrorKind = string(execErr.Kind)
		default:
			rec.ErrorKind = errorKind(cause)
		}
	}

	if err := d.store.Complete(rec); err != nil {
		log.Error("failed to finalize run record", "correlationId", correlationID, "error", err)
	}
}

func errorKind(err error) string {
	var (
		vErr *ValidationError
		pErr *PreflightError
		cErr *ConfirmRequiredError
		bErr *BusyError
		dErr *permission.DeniedError
		aErr *audit.PersistenceError
	)
	switch {
	case errors.As(err, &vErr):
		return "validation_failed"
	case errors.As(err, &pErr):
		return "preflight_failed"
	case errors.As(err, &cErr):
		return "confirmation_required"
	case errors.As(err, &bErr):
		return "busy"
	case errors.As(err, &dErr):
		return "permission_denied"
	case errors.As(err, &aErr):
		return "audit_persistence"
	}
	return "internal"
}

// execute runs the backend invocation on the pool under the dispatch
// timeout. The pool bounds concurrency; the queue bounds backlog.
func (d *Dispatcher) execute(ctx context.Context, cap *catalog.Capability, argv []string, req Request, correlationID string, backend executor.Backend) (*executor.Result, error) {
	timeout := d.defaultTimeout
	if cap.TimeoutSeconds > 0 {
		timeout = time.Duration(cap.TimeoutSeconds) * time.Second
	}

	var (
		res     *executor.Result
		execErr error
	)
	done := make(chan struct{})
	submitErr := d.pool.Submit(func() {
		defer close(done)
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, execErr = backend.Execute(execCtx, executor.Request{
			CorrelationID: correlationID,
			Capability:    cap,
			Argv:          argv,
			Bindings:      req.Bindings,
		}, req.OnProgress)
	})
	if submitErr != nil {
		return nil, &BusyError{CapabilityID: cap.ID, Reason: submitErr.Error()}
	}

	<-done
	return res, execErr
}
