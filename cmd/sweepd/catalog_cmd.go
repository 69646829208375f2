package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var catalogJSON bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the capability catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all capabilities",
	Run: func(cmd *cobra.Command, args []string) {
		listCatalog()
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show [capability-id]",
	Short: "Show one capability in full",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showCapability(args[0])
	},
}

func init() {
	catalogListCmd.Flags().BoolVar(&catalogJSON, "json", false, "emit JSON instead of a table")
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogShowCmd)
}

func listCatalog() {
	b := mustBroker()
	defer b.close()

	if catalogJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(b.cat.All()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode catalog: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Catalog version %s\n\n", b.cat.Version())
	for _, group := range b.cat.Groups() {
		fmt.Printf("%s:\n", group)
		for _, cap := range b.cat.ByGroup(group) {
			fmt.Printf("  %-32s %-10s %-12s %s\n", cap.ID, cap.Tier, cap.Risk, cap.Title)
		}
		fmt.Println()
	}
}

func showCapability(id string) {
	b := mustBroker()
	defer b.close()

	cap, ok := b.cat.Lookup(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown capability: %s\n", id)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cap); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode capability: %v\n", err)
		os.Exit(1)
	}
}
