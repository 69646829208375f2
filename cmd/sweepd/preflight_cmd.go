package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var preflightArgs []string

var preflightCmd = &cobra.Command{
	Use:   "preflight [capability-id]",
	Short: "Evaluate a capability's preflight checks without running it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runPreflight(args[0])
	},
}

func init() {
	preflightCmd.Flags().StringArrayVar(&preflightArgs, "arg", nil, "argument binding as name=value (repeatable)")
}

func runPreflight(id string) {
	b := mustBroker()
	defer b.close()

	cap, ok := b.cat.Lookup(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown capability: %s\n", id)
		os.Exit(1)
	}

	bindings, err := parseBindings(preflightArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := b.disp.Preflight(ctx, cap.ID, bindings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Preflight failed to run: %v\n", err)
		os.Exit(1)
	}

	if res.CanExecute {
		fmt.Printf("%s: all checks passed\n", cap.ID)
		return
	}
	fmt.Printf("%s: %d check(s) failed\n", cap.ID, len(res.Failed))
	for _, f := range res.Failed {
		if f.Target != "" {
			fmt.Printf("  [%s] %s: %s\n", f.Type, f.Target, f.Message)
		} else {
			fmt.Printf("  [%s] %s\n", f.Type, f.Message)
		}
	}
	for _, r := range res.Remediation {
		fmt.Printf("  fix: %s\n", r)
	}
	os.Exit(1)
}
