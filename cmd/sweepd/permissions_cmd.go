package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/permission"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Inspect and request permission grants",
}

var permissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Probe and list every permission resource the catalog needs",
	Run: func(cmd *cobra.Command, args []string) {
		listPermissions()
	},
}

var permissionsRequestCmd = &cobra.Command{
	Use:   "request [resource]",
	Short: "Trigger the consent flow for a resource",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requestPermission(args[0])
	},
}

func init() {
	permissionsCmd.AddCommand(permissionsListCmd)
	permissionsCmd.AddCommand(permissionsRequestCmd)
}

// catalogResources collects every permission resource any capability in
// the catalog can demand.
func catalogResources(cat *catalog.Catalog) []string {
	seen := map[string]bool{}
	var resources []string
	for _, cap := range cat.All() {
		var r string
		switch cap.Tier {
		case catalog.TierElevated:
			r = permission.ResourceElevatedHelper
		case catalog.TierAutomation:
			r = cap.AutomationTarget
		default:
			continue
		}
		if r != "" && !seen[r] {
			seen[r] = true
			resources = append(resources, r)
		}
	}
	sort.Strings(resources)
	return resources
}

func listPermissions() {
	b := mustBroker()
	defer b.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resources := catalogResources(b.cat)
	if len(resources) == 0 {
		fmt.Println("No capability in the catalog needs a permission grant.")
		return
	}

	for _, resource := range resources {
		state := b.gate.Status(ctx, resource)
		fmt.Printf("%-40s %s\n", resource, state)
		if state != permission.StateGranted {
			for _, step := range b.gate.Remediation(resource) {
				fmt.Printf("  %s\n", step)
			}
		}
	}
}

func requestPermission(resource string) {
	b := mustBroker()
	defer b.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	fmt.Printf("Requesting %s (watch for a system prompt)...\n", resource)
	state, err := b.gate.Request(ctx, resource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", resource, state)
	if state != permission.StateGranted {
		for _, step := range b.gate.Remediation(resource) {
			fmt.Printf("  %s\n", step)
		}
		os.Exit(1)
	}
}
