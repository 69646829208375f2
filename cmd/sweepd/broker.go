package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sweepkit/broker/internal/audit"
	"github.com/sweepkit/broker/internal/automation"
	"github.com/sweepkit/broker/internal/catalog"
	"github.com/sweepkit/broker/internal/config"
	"github.com/sweepkit/broker/internal/confirm"
	"github.com/sweepkit/broker/internal/dispatch"
	"github.com/sweepkit/broker/internal/elevate"
	"github.com/sweepkit/broker/internal/executor"
	"github.com/sweepkit/broker/internal/logging"
	"github.com/sweepkit/broker/internal/permission"
	"github.com/sweepkit/broker/internal/preflight"
)

// broker bundles everything a CLI command needs once the config is loaded.
type broker struct {
	cfg       *config.Config
	cat       *catalog.Catalog
	gate      *permission.Gate
	store     *audit.Store
	disp      *dispatch.Dispatcher
	auditPath string

	cancel  context.CancelFunc
	logFile io.Closer
}

// mustBroker builds the full pipeline or exits. Every subcommand that
// touches the catalog, the gate, or the audit log goes through here so
// they all see the same wiring.
func mustBroker() *broker {
	b, err := buildBroker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start broker: %v\n", err)
		os.Exit(1)
	}
	return b
}

func buildBroker() (*broker, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, warn := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", warn)
	}

	var logFile io.Closer
	output := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 10, 3)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = logging.TeeWriter(os.Stderr, rw)
		logFile = rw
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)

	var cat *catalog.Catalog
	if cfg.ManifestPath != "" {
		cat, err = catalog.LoadFile(cfg.ManifestPath, executor.Allowlisted)
	} else {
		cat, err = catalog.LoadBuiltin(executor.Allowlisted)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bridge := automation.NewPlatformBridge()
	probeTimeout := time.Duration(cfg.AutomationProbeTimeoutMS) * time.Millisecond
	helperProber := &elevate.HelperProber{
		SocketPath: cfg.HelperSocketPath,
		MinVersion: cfg.HelperMinVersion,
	}
	gate, err := permission.NewGate(
		time.Duration(cfg.PermissionTTLSeconds)*time.Second,
		dataDir,
		helperProber,
		automation.NewProber(bridge, probeTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("permission gate: %w", err)
	}

	auditPath := filepath.Join(dataDir, "runs.jsonl")
	store, err := audit.NewStore(auditPath, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}

	engine := preflight.NewEngine(gate)
	userBackend := executor.NewUserBackend(engine, "")
	elevBackend := elevate.NewBackend(engine, cfg.HelperSocketPath, cfg.HelperMinVersion)
	autoBackend := automation.NewBackend(engine, bridge, 0)

	confirmer := confirm.NewController(userBackend, time.Duration(cfg.PreviewTTLSeconds)*time.Second)
	risk, err := automation.NewRiskEvaluator(cfg.AutomationRiskExpr)
	if err != nil {
		return nil, fmt.Errorf("automation risk expression: %w", err)
	}

	disp := dispatch.New(dispatch.Options{
		Catalog:   cat,
		Checks:    engine,
		Gate:      gate,
		Store:     store,
		Confirmer: confirmer,
		Risk:      risk,
		Backends: map[catalog.Tier]executor.Backend{
			catalog.TierUser:       userBackend,
			catalog.TierElevated:   elevBackend,
			catalog.TierAutomation: autoBackend,
		},
		Workers:        cfg.MaxConcurrentExecutions,
		QueueSize:      cfg.ExecutionQueueSize,
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go disp.RecordPermissionChanges(ctx)

	return &broker{
		cfg:       cfg,
		cat:       cat,
		gate:      gate,
		store:     store,
		disp:      disp,
		auditPath: auditPath,
		cancel:    cancel,
		logFile:   logFile,
	}, nil
}

func (b *broker) close() {
	b.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.disp.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
	}
	if err := b.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close audit log: %v\n", err)
	}
	if b.logFile != nil {
		b.logFile.Close()
	}
}
