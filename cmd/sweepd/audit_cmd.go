package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweepkit/broker/internal/audit"
)

var (
	auditSince      string
	auditCapability string
	auditStatus     string
	auditLimit      int
	auditOlderThan  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, export, verify, and prune the run history",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List run records, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		queryAudit()
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write run records as JSON lines to stdout, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		exportAudit()
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log's hash chain",
	Run: func(cmd *cobra.Command, args []string) {
		verifyAudit()
	},
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop completed records older than the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		pruneAudit()
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only records after this duration ago (e.g. 24h)")
	auditQueryCmd.Flags().StringVar(&auditCapability, "capability", "", "filter by capability id")
	auditQueryCmd.Flags().StringVar(&auditStatus, "status", "", "filter by terminal status")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum records to show")
	auditExportCmd.Flags().StringVar(&auditSince, "since", "", "only records after this duration ago (e.g. 24h)")
	auditPruneCmd.Flags().StringVar(&auditOlderThan, "older-than", "720h", "drop terminal records older than this duration")

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditPruneCmd)
}

func auditFilter() audit.Filter {
	f := audit.Filter{
		CapabilityID: auditCapability,
		Status:       auditStatus,
		Limit:        auditLimit,
	}
	if auditSince != "" {
		d, err := time.ParseDuration(auditSince)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --since duration: %v\n", err)
			os.Exit(1)
		}
		f.Since = time.Now().UTC().Add(-d)
	}
	return f
}

func queryAudit() {
	b := mustBroker()
	defer b.close()

	records := b.store.Query(auditFilter())
	if len(records) == 0 {
		fmt.Println("No matching run records.")
		return
	}
	for _, rec := range records {
		when := rec.StartedAt.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-12s %-32s %-10s %s\n", when, rec.Status, rec.CapabilityID, rec.Tier, rec.CorrelationID)
		if rec.ErrorMessage != "" {
			fmt.Printf("  %s: %s\n", rec.ErrorKind, rec.ErrorMessage)
		}
	}
	if dropped := b.store.DroppedCount(); dropped > 0 {
		fmt.Printf("\nWarning: %d record(s) were dropped during an audit log outage.\n", dropped)
	}
}

func exportAudit() {
	b := mustBroker()
	defer b.close()

	if err := b.store.Export(os.Stdout, auditFilter()); err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		os.Exit(1)
	}
}

func verifyAudit() {
	b := mustBroker()
	defer b.close()

	res, err := audit.VerifyFile(b.auditPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
	if res.Verified {
		fmt.Printf("Chain intact: %d entries verified.\n", res.Entries)
		return
	}
	fmt.Printf("Chain broken: %d entries, %d break(s).\n", res.Entries, len(res.Breaks))
	for _, brk := range res.Breaks {
		fmt.Printf("  line %d: %s\n", brk.Line, brk.Reason)
	}
	os.Exit(1)
}

func pruneAudit() {
	b := mustBroker()
	defer b.close()

	d, err := time.ParseDuration(auditOlderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --older-than duration: %v\n", err)
		os.Exit(1)
	}
	n, err := b.store.Prune(time.Now().UTC().Add(-d))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pruned %d record(s).\n", n)
}
