package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweepkit/broker/internal/sysinfo"
)

var (
	sysinfoTop  int
	sysinfoJSON bool
)

var sysinfoCmd = &cobra.Command{
	Use:   "sysinfo",
	Short: "Snapshot the machine's health for the Sweep UI",
	Run: func(cmd *cobra.Command, args []string) {
		showSysinfo()
	},
}

func init() {
	sysinfoCmd.Flags().IntVar(&sysinfoTop, "top", 10, "number of processes to list by memory")
	sysinfoCmd.Flags().BoolVar(&sysinfoJSON, "json", false, "emit JSON instead of a summary")
}

func showSysinfo() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := sysinfo.Collect(ctx, sysinfoTop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Collection failed: %v\n", err)
		os.Exit(1)
	}

	if sysinfoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode snapshot: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("%s (%s %s), up %s\n", snap.Hostname, snap.Platform, snap.OSVersion, (time.Duration(snap.UptimeSec) * time.Second).Round(time.Minute))
	fmt.Printf("CPU: %.1f%%  Memory: %.1f%% of %.1f GB\n", snap.CPUPercent, snap.Memory.UsedPercent, float64(snap.Memory.TotalBytes)/(1<<30))
	for _, d := range snap.Disks {
		fmt.Printf("Disk %-20s %.1f%% of %.1f GB used\n", d.Mountpoint, d.UsedPercent, float64(d.TotalBytes)/(1<<30))
	}
	if len(snap.TopByMemory) > 0 {
		fmt.Println("\nTop processes by memory:")
		for _, p := range snap.TopByMemory {
			fmt.Printf("  %-30s %8.1f MB  (pid %d)\n", p.Name, float64(p.RSSBytes)/(1<<20), p.PID)
		}
	}
}
