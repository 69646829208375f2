package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweepkit/broker/internal/config"
	"github.com/sweepkit/broker/internal/elevate"
)

var helperCmd = &cobra.Command{
	Use:   "helper",
	Short: "Manage the privileged helper",
}

var helperStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the helper is installed and current",
	Run: func(cmd *cobra.Command, args []string) {
		helperStatus()
	},
}

var helperInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or update the privileged helper (prompts for admin rights)",
	Run: func(cmd *cobra.Command, args []string) {
		helperInstall()
	},
}

func init() {
	helperCmd.AddCommand(helperStatusCmd)
	helperCmd.AddCommand(helperInstallCmd)
}

func helperStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info := elevate.CheckHelper(ctx, cfg.HelperSocketPath, cfg.HelperMinVersion)
	switch info.Status {
	case elevate.HelperUpToDate:
		fmt.Printf("Helper v%s is installed and up to date.\n", info.HelperVersion)
	case elevate.HelperOutdated:
		fmt.Printf("Helper v%s is installed but outdated (want %s or newer).\n", info.HelperVersion, cfg.HelperMinVersion)
		fmt.Println("Run: sweepd helper install")
		os.Exit(1)
	default:
		fmt.Println("Helper is not installed.")
		fmt.Println("Run: sweepd helper install")
		os.Exit(1)
	}
}

func helperInstall() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("Installing the privileged helper (an admin prompt will appear)...")
	if err := elevate.Install(ctx, cfg.HelperMinVersion); err != nil {
		fmt.Fprintf(os.Stderr, "Install failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Helper installed.")
}
