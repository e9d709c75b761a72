// ============================================================================
// Bulk-Analysis CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the bulk analysis coordinator
//
// Command Structure:
//   bulk-analysis                  # Root command
//   ├── run                        # Run one bulk job over a records file
//   │   ├── --input, -i           # JSON array of records
//   │   ├── --mode                # sync | async-session
//   │   └── --id-field            # record identifier property
//   ├── serve                      # Start the gRPC session server
//   │   ├── --port
//   │   └── --simulate            # simulated analyzer instead of HTTP
//   ├── status                     # Show the last job result
//   ├── history                    # List past jobs from the history DB
//   │   └── --limit, -n
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config and records
//   2. Build the coordinator for the chosen mode
//      - sync:          HTTP analyzer (or simulated analyzer)
//      - async-session: gRPC session client to session.address
//   3. Print progress until the job is terminal
//   4. Write the result file and the history row
//   SIGINT / SIGTERM cancel the job; it still reaches a terminal state.
//
// serve Command:
//   Hosts analysis.v1.SessionService. Every session is a server-side
//   sync-mode job against the configured analyzer.
//
// Exit status:
//   run returns an error unless the job completed, so the process exits
//   non-zero for failed, timed-out and cancelled jobs.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/bulk-analysis/internal/aggregate"
	"github.com/ChuLiYu/bulk-analysis/internal/analyzer"
	"github.com/ChuLiYu/bulk-analysis/internal/controller"
	"github.com/ChuLiYu/bulk-analysis/internal/metrics"
	"github.com/ChuLiYu/bulk-analysis/internal/rpc"
	"github.com/ChuLiYu/bulk-analysis/internal/server"
	"github.com/ChuLiYu/bulk-analysis/internal/snapshot"
	"github.com/ChuLiYu/bulk-analysis/internal/store"
	"github.com/ChuLiYu/bulk-analysis/internal/worker"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bulk-analysis",
		Short: "Bulk-Analysis: batch fan-out and async-session analysis coordinator",
		Long: `Bulk-Analysis runs an analysis capability over a set of records:
- sync mode: bounded fan-out in groups with pacing
- async-session mode: server-side session polled to completion
- cache invalidation of dependent views on success
- job history in SQLite and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var input, mode, idField string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one bulk analysis job over a records file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJob(ctx, cfg, input, types.Mode(mode), idField, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON file with an array of records")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeSync), "execution mode: sync, async-session")
	cmd.Flags().StringVar(&idField, "id-field", "id", "record property holding the identifier")
	cmd.MarkFlagRequired("input")

	return cmd
}

func runJob(ctx context.Context, cfg *Config, input string, mode types.Mode, idField string, out io.Writer) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", types.ErrInvalidConfiguration, mode)
	}
	logger := newLogger(cfg, os.Stderr)

	units, err := loadRecords(input, idField)
	if err != nil {
		return err
	}

	// Progress is reported from both Start and the job goroutine.
	var outMu sync.Mutex
	deps := controller.Deps[json.RawMessage]{
		Logger: logger,
		Observer: controller.ObserverFuncs{
			Progress: func(s types.ProgressSnapshot) {
				outMu.Lock()
				defer outMu.Unlock()
				fmt.Fprintf(out, "progress: %d/%d (%d ok)\n", s.Processed, s.Total, s.Completed)
			},
		},
	}

	var httpClient *analyzer.Client
	if cfg.Analyzer.BaseURL != "" {
		httpClient = newHTTPAnalyzer(cfg, logger)
		if len(cfg.Job.ViewIDs) > 0 {
			deps.Invalidator = httpClient
		}
	}

	switch mode {
	case types.ModeSync:
		a, err := newAnalyzer(cfg, httpClient)
		if err != nil {
			return err
		}
		deps.Analyzer = a
	case types.ModeAsyncSession:
		client, conn, err := rpc.Dial(cfg.Session.Address)
		if err != nil {
			return err
		}
		defer conn.Close()
		deps.Session = client
	}

	if cfg.Storage.HistoryDB != "" {
		st, err := openStore(cfg.Storage.HistoryDB)
		if err != nil {
			return err
		}
		defer st.Close()
		deps.Recorder = st
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		deps.Metrics = metrics.NewCollector(reg)
		go serveMetrics(cfg.Metrics.Port, reg, logger)
	}

	coord, err := controller.NewCoordinator(cfg.CoordinatorConfig(), deps)
	if err != nil {
		return err
	}

	result, jobErr := coord.Run(ctx, units, mode)
	if result.JobID == "" {
		return jobErr
	}

	if cfg.Storage.ResultFile != "" {
		if err := writeResultFile(cfg.Storage.ResultFile, result); err != nil {
			logger.Error("Failed to write result file", "path", cfg.Storage.ResultFile, "error", err)
		}
	}

	printResult(out, result)
	if jobErr != nil {
		return fmt.Errorf("job %s %s: %w", result.JobID, result.Status, jobErr)
	}
	return nil
}

// newAnalyzer picks the sync-mode analyzer.
func newAnalyzer(cfg *Config, httpClient *analyzer.Client) (worker.Analyzer[json.RawMessage], error) {
	if cfg.Analyzer.Simulate {
		return worker.Simulated[json.RawMessage]{
			MaxLatency:  cfg.Analyzer.SimulatedMaxLatency,
			FailureRate: cfg.Analyzer.SimulatedFailureRate,
		}, nil
	}
	if httpClient == nil {
		return nil, fmt.Errorf("%w: analyzer.base_url is required unless analyzer.simulate is set", types.ErrInvalidConfiguration)
	}
	return httpClient, nil
}

func newHTTPAnalyzer(cfg *Config, logger *slog.Logger) *analyzer.Client {
	return analyzer.NewClient(cfg.Analyzer.BaseURL,
		analyzer.WithAPIKey(cfg.Analyzer.APIKey),
		analyzer.WithRateLimit(cfg.Analyzer.RateLimit),
		analyzer.WithTimeout(cfg.Analyzer.Timeout),
		analyzer.WithLogger(logger))
}

func openStore(path string) (*store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	return store.Open(path)
}

func writeResultFile(path string, result types.JobResult) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return snapshot.NewManager(path).Write(result)
}

func serveMetrics(port int, reg *prometheus.Registry, logger *slog.Logger) {
	logger.Info("Starting metrics server", "port", port)
	if err := metrics.StartServer(port, reg); err != nil {
		logger.Error("Metrics server error", "error", err)
	}
}

func printResult(out io.Writer, r types.JobResult) {
	fmt.Fprintf(out, "\njob:       %s\n", r.JobID)
	if r.SessionID != "" {
		fmt.Fprintf(out, "session:   %s\n", r.SessionID)
	}
	fmt.Fprintf(out, "mode:      %s\n", r.Mode)
	fmt.Fprintf(out, "status:    %s\n", r.Status)
	fmt.Fprintf(out, "units:     %d (%d succeeded, %d failed)\n", r.Total, r.Succeeded, r.Failed)
	fmt.Fprintf(out, "duration:  %s\n", r.Duration())
	if r.Error != "" {
		fmt.Fprintf(out, "error:     %s\n", r.Error)
	}
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int
	var simulate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC analysis session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if simulate {
				cfg.Analyzer.Simulate = true
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 50051, "port to listen on")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the simulated analyzer")
	return cmd
}

func serve(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg, os.Stderr)

	var httpClient *analyzer.Client
	if cfg.Analyzer.BaseURL != "" {
		httpClient = newHTTPAnalyzer(cfg, logger)
	}
	a, err := newAnalyzer(cfg, httpClient)
	if err != nil {
		return err
	}

	deps := server.Deps{Analyzer: a, Logger: logger}
	if cfg.Storage.HistoryDB != "" {
		st, err := openStore(cfg.Storage.HistoryDB)
		if err != nil {
			return err
		}
		defer st.Close()
		deps.Recorder = st
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		deps.Metrics = metrics.NewCollector(reg)
		go serveMetrics(cfg.Metrics.Port, reg, logger)
	}

	srv, err := server.NewServer(server.Config{
		Coordinator: cfg.CoordinatorConfig(),
		MaxSessions: cfg.Server.MaxSessions,
		Retention:   cfg.Server.Retention,
	}, deps)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	grpcServer := grpc.NewServer()
	rpc.RegisterSessionServer(grpcServer, srv)
	srv.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	logger.Info("Session server listening", "port", cfg.Server.Port, "simulate", cfg.Analyzer.Simulate)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			srv.Stop()
			return fmt.Errorf("gRPC server failed: %w", err)
		}
	}

	grpcServer.GracefulStop()
	srv.Stop()
	return nil
}

// ============================================================================
// status / history
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the result of the last job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
}

func showStatus(cfg *Config, out io.Writer) error {
	file, err := snapshot.NewManager(cfg.Storage.ResultFile).Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		fmt.Fprintln(out, "no job has finished yet (run 'bulk-analysis run' first)")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "result file: %s (written %s)\n", cfg.Storage.ResultFile, file.WrittenAt.Format("2006-01-02 15:04:05"))
	printResult(out, file.Result)
	for _, o := range file.Result.Outcomes {
		if !o.Success {
			fmt.Fprintf(out, "  failed %s: %s\n", o.UnitID, o.Error)
		}
	}
	return nil
}

func buildHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showHistory(cmd.Context(), cfg, limit, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show (0 = all)")
	return cmd
}

func showHistory(ctx context.Context, cfg *Config, limit int, out io.Writer) error {
	if cfg.Storage.HistoryDB == "" {
		return fmt.Errorf("%w: storage.history_db is not set", types.ErrInvalidConfiguration)
	}
	st, err := openStore(cfg.Storage.HistoryDB)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ListResults(ctx, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "no jobs recorded")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-13s  %-10s  %5s  %5s  %5s  %s\n", "JOB", "MODE", "STATUS", "TOTAL", "OK", "FAIL", "FINISHED")
	for _, r := range rows {
		fmt.Fprintf(out, "%-36s  %-13s  %-10s  %5d  %5d  %5d  %s\n",
			r.JobID, r.Mode, r.Status, r.Total, r.Succeeded, r.Failed, r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

var _ aggregate.Invalidator = (*analyzer.Client)(nil)
