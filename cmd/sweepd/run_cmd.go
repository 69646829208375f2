package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sweepkit/broker/internal/confirm"
	"github.com/sweepkit/broker/internal/dispatch"
	"github.com/sweepkit/broker/internal/executor"
)

var (
	runArgs    []string
	runConfirm string
	runDryRun  bool
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [capability-id]",
	Short: "Execute a capability through the full pipeline",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCapability(args[0])
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "argument binding as name=value (repeatable)")
	runCmd.Flags().StringVar(&runConfirm, "confirm", "", "preview token from a dry run")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "generate a preview instead of executing")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "emit the outcome as JSON")
}

// parseBindings turns repeated --arg name=value flags into a binding map.
func parseBindings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	bindings := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --arg %q (want name=value)", pair)
		}
		if _, dup := bindings[name]; dup {
			return nil, fmt.Errorf("duplicate --arg %q", name)
		}
		bindings[name] = value
	}
	return bindings, nil
}

func runCapability(id string) {
	b := mustBroker()
	defer b.close()

	bindings, err := parseBindings(runArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var onProgress executor.Progress
	if !runJSON {
		onProgress = func(stream string, chunk []byte) {
			if stream == "stderr" {
				os.Stderr.Write(chunk)
				return
			}
			os.Stdout.Write(chunk)
		}
	}

	out, err := b.disp.Run(ctx, dispatch.Request{
		CapabilityID: id,
		Bindings:     bindings,
		ConfirmToken: runConfirm,
		DryRun:       runDryRun,
		OnProgress:   onProgress,
	})
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
	}
	if err != nil {
		reportRunError(out, err)
		os.Exit(1)
	}

	if runDryRun && out.Preview != nil {
		printPreview(out.Preview)
		return
	}
	if !runJSON {
		fmt.Printf("\n%s: %s (correlation %s)\n", id, out.Status, out.CorrelationID)
	}
	if out.Status != executor.StatusSuccess {
		os.Exit(1)
	}
}

func reportRunError(out *dispatch.Outcome, err error) {
	if runJSON {
		return
	}
	var pf *dispatch.PreflightError
	if errors.As(err, &pf) {
		fmt.Fprintf(os.Stderr, "Preflight failed for %s:\n", pf.CapabilityID)
		for _, f := range pf.Result.Failed {
			fmt.Fprintf(os.Stderr, "  [%s] %s\n", f.Type, f.Message)
		}
		for _, r := range pf.Result.Remediation {
			fmt.Fprintf(os.Stderr, "  fix: %s\n", r)
		}
		return
	}
	var need *dispatch.ConfirmRequiredError
	if errors.As(err, &need) {
		fmt.Fprintf(os.Stderr, "%v\n", need)
		fmt.Fprintf(os.Stderr, "Run with --dry-run first, then pass the preview token via --confirm.\n")
		return
	}
	var execErr *executor.Error
	if errors.As(err, &execErr) {
		fmt.Fprintf(os.Stderr, "Run failed: %v (correlation %s)\n", execErr, out.CorrelationID)
		if execErr.Remediation != "" {
			fmt.Fprintf(os.Stderr, "  fix: %s\n", execErr.Remediation)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Run failed: %v (correlation %s)\n", err, out.CorrelationID)
}

func printPreview(p *confirm.Preview) {
	if runJSON {
		return
	}
	fmt.Printf("Preview for %s (expires %s):\n", p.CapabilityID, p.ExpiresAt.Local().Format("15:04:05"))
	for _, item := range p.Items {
		fmt.Printf("  %s\n", item)
	}
	if p.EstimatedBytes > 0 {
		fmt.Printf("Estimated: %.1f MB\n", float64(p.EstimatedBytes)/(1<<20))
	}
	fmt.Printf("\nTo proceed: sweepd run %s --confirm %s\n", p.CapabilityID, p.Token)
}
