package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "1.4.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "sweepd",
	Short: "Sweep maintenance broker",
	Long:  `Sweep broker - validates, gates, and executes local maintenance capabilities on behalf of the Sweep UI`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sweep broker v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is broker.yaml in the platform config dir)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(helperCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(sysinfoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
