package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/api"
	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/supervisor"
	"github.com/Iron-Ham/conductor/internal/worktree"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor daemon",
	Long: `Run the conductor daemon in the foreground.

The daemon owns the data directory: it loads the saved workspaces, tasks and
sessions, marks sessions whose process did not survive a restart as failed,
starts queued sessions, and serves the HTTP API the other commands use.

Only one daemon may use a data directory at a time. Stop it with Ctrl+C;
running agents are stopped and recorded as stopped.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir := cfg.Paths.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := store.NewDaemonLock(dataDir)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !ok {
		return fmt.Errorf("another conductor daemon is using %s", dataDir)
	}
	defer func() { _ = lock.Unlock() }()

	logger, err := newDaemonLogger(cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownMetrics, err := metrics.Setup(ctx, metrics.SetupConfig{
		Enabled:  cfg.Metrics.Enabled,
		Endpoint: cfg.Metrics.OTLPEndpoint,
		Insecure: cfg.Metrics.Insecure,
		Interval: cfg.Metrics.Interval(),
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	sup := supervisor.New(
		supervisor.WithStopGrace(cfg.Orchestrator.StopGrace()),
		supervisor.WithLogger(logger),
	)
	prov := worktree.NewGitProvisioner(
		worktree.WithPool(worktree.NewPool(cfg.Worktree.MaxParallelGit)),
		worktree.WithLogger(logger),
	)
	seed := cfg.Defaults.Settings()
	orch, err := orchestrator.New(
		orchestrator.Config{
			DataDir:         dataDir,
			SweepInterval:   cfg.Orchestrator.SweepInterval(),
			DefaultSettings: &seed,
		},
		sup, prov, store.NewFileStore(dataDir),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	// Uses the global provider Setup installed, or the no-op one.
	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	m.Attach(orch.Bus())

	hub := api.NewHub(logger)
	hub.Attach(orch.Bus())

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           api.NewServer(orch, hub, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Close, not ctx, ends the coordinator so live sessions are recorded
	// as stopped on the way out.
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(context.Background()) }()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("daemon started", "addr", ln.Addr().String(), "data_dir", dataDir)
	fmt.Fprintf(cmd.OutOrStdout(), "conductor listening on %s (data: %s)\n", ln.Addr(), dataDir)

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		result = fmt.Errorf("http server failed: %w", err)
	case err := <-runErr:
		result = err
	}

	logger.Info("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if err := orch.Close(); err != nil {
		logger.Warn("orchestrator close failed", "error", err)
	}
	return result
}

// newDaemonLogger writes conductor.log under dataDir, or discards logs when
// logging is disabled.
func newDaemonLogger(cfg *config.Config, dataDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	logger, err := logging.NewLoggerWithRotation(dataDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return logger, nil
}
