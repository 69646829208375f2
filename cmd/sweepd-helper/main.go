package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sweepkit/broker/internal/helperd"
	"github.com/sweepkit/broker/internal/logging"
)

var (
	socketPath string
	logPath    string
	logLevel   string
	maxRuns    int
)

var rootCmd = &cobra.Command{
	Use:   "sweepd-helper",
	Short: "Sweep privileged helper",
	Long:  `Sweep helper - runs a fixed set of privileged maintenance commands on behalf of the broker`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the helper socket (run by launchd or systemd, as root)",
	Run: func(cmd *cobra.Command, args []string) {
		serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sweep helper v%s\n", helperd.Version)
	},
}

func init() {
	serveCmd.Flags().StringVar(&socketPath, "socket", "", "socket path (default is the platform helper endpoint)")
	serveCmd.Flags().StringVar(&logPath, "log", "", "invocation log path (default is next to the helper's state)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().IntVar(&maxRuns, "max-runs", 0, "concurrent execution cap")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultLogPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "SweepHelper", "invocations.jsonl")
	}
	return "/var/log/sweepd-helper/invocations.jsonl"
}

func serve() {
	logging.Init("text", logLevel, nil)
	if logPath == "" {
		logPath = defaultLogPath()
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log dir: %v\n", err)
		os.Exit(1)
	}

	srv, err := helperd.New(helperd.Config{
		SocketPath: socketPath,
		LogPath:    logPath,
		MaxRuns:    maxRuns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start helper: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Sweep helper v%s serving\n", helperd.Version)
	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Helper exited: %v\n", err)
		os.Exit(1)
	}
}
