// Command taskgraphd boots the coordination kernel: it opens the store,
// loads the tiered workflow configuration, runs the stale-worker sweep on a
// ticker, and serves the metrics endpoint, until told to shut down. It does
// not implement the MCP/HTTP tool-RPC transport — that dispatcher is out of
// scope (spec §1); this binary only wires the kernel up and keeps it alive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/taskgraph/engine/pkg/clockutil"
	"github.com/taskgraph/engine/pkg/engine"
	"github.com/taskgraph/engine/pkg/logging"
	"github.com/taskgraph/engine/pkg/metrics"
	"github.com/taskgraph/engine/pkg/workflow"
)

// CLI defines taskgraphd's flags. The database, config-directory,
// claim-limit, stale-timeout, metrics-enabled and log-file flags also read
// their TASK_GRAPH_* environment variable (spec §6) via kong's env tag; the
// sweep-period, metrics address/endpoint, watch-config and log level/format
// flags are command-line only.
type CLI struct {
	DBDriver string `help:"Store dialect (sqlite3, postgres, mysql)." default:"sqlite3" env:"TASK_GRAPH_DB_DRIVER"`
	DBPath   string `help:"Database path or DSN." default:"./task-graph/taskgraph.db" env:"TASK_GRAPH_DB_PATH"`

	ProjectDir string `help:"Project-tier config directory." env:"TASK_GRAPH_PROJECT_DIR"`
	UserDir    string `help:"User-tier config directory." env:"TASK_GRAPH_USER_DIR"`

	ClaimLimit   int           `help:"Default worker claim limit override." env:"TASK_GRAPH_CLAIM_LIMIT"`
	StaleTimeout time.Duration `help:"Worker heartbeat staleness timeout." default:"5m" env:"TASK_GRAPH_STALE_TIMEOUT"`
	SweepPeriod  time.Duration `help:"How often to run the stale-worker sweep." default:"30s"`

	MetricsEnabled  bool   `help:"Expose a Prometheus metrics endpoint." env:"TASK_GRAPH_METRICS_ENABLED"`
	MetricsAddr     string `help:"Address to serve the metrics endpoint on." default:":9090"`
	MetricsEndpoint string `help:"Path to expose metrics on." default:"/metrics"`

	WatchConfig bool `help:"Watch the config tiers on disk and warn when they drift from what's loaded."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
	LogFile   string `help:"Write logs to this file instead of stderr." env:"TASK_GRAPH_LOG_FILE"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("Multi-agent task coordination daemon."))

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, "taskgraphd:", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	level, err := logging.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logOutput := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logging.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer cleanup()
		logOutput = file
	}
	logging.Init(level, logOutput, cli.LogFormat)
	logger := logging.GetLogger()

	wf, err := workflow.Load(workflow.LoaderOptions{
		ProjectDir: cli.ProjectDir,
		UserDir:    cli.UserDir,
	})
	if err != nil {
		return fmt.Errorf("loading workflow config: %w", err)
	}

	if cli.DBDriver == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(cli.DBPath), 0755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	eng, err := engine.Open(engine.Config{
		DBDriver:         cli.DBDriver,
		DBDSN:            cli.DBPath,
		StaleTimeout:     cli.StaleTimeout,
		DefaultMaxClaims: cli.ClaimLimit,
		Metrics: metrics.Config{
			Enabled:  cli.MetricsEnabled,
			Endpoint: cli.MetricsEndpoint,
		},
	}, wf, clockutil.System{})
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if cli.MetricsEnabled {
		go serveMetrics(ctx, logger, eng.Metrics(), cli.MetricsAddr)
	}

	if cli.WatchConfig {
		watcher, err := watchConfigDrift(cli, logger)
		if err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		defer watcher.Close()
	}

	logger.Info("taskgraphd started",
		"db_driver", cli.DBDriver, "db_path", cli.DBPath,
		"stale_timeout", cli.StaleTimeout, "sweep_period", cli.SweepPeriod)

	runStaleSweep(ctx, logger, eng, wf, cli.SweepPeriod)
	return nil
}

// runStaleSweep runs CleanupStaleWorkers on a ticker until ctx is canceled.
func runStaleSweep(ctx context.Context, logger *slog.Logger, eng *engine.Engine, wf *workflow.Config, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := eng.CleanupStaleWorkers(ctx, wf.Settings.DisconnectState)
			if err != nil {
				logger.Error("stale-worker sweep failed", "error", err)
				continue
			}
			if len(result.EvictedWorkerIDs) > 0 {
				logger.Info("stale-worker sweep evicted workers", "count", len(result.EvictedWorkerIDs), "workers", result.EvictedWorkerIDs)
			}
		}
	}
}

// watchConfigDrift starts a workflow.Watcher over the loaded tiers. The
// engine's statemachine, dependency, and claim collaborators all hold their
// own *workflow.Config snapshot from startup, so a drift can't be applied
// in place without restructuring that sharing as an atomically swappable
// pointer; until then this only warns an operator to restart.
func watchConfigDrift(cli CLI, logger *slog.Logger) (*workflow.Watcher, error) {
	return workflow.NewWatcher(workflow.LoaderOptions{
		ProjectDir: cli.ProjectDir,
		UserDir:    cli.UserDir,
	}, logger, func(_ *workflow.Config, err error) {
		if err != nil {
			logger.Warn("config tier changed on disk but failed to reload", "error", err)
			return
		}
		logger.Warn("config tiers changed on disk; restart taskgraphd to apply the new workflow config")
	})
}

func serveMetrics(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, addr string) {
	mux := http.NewServeMux()
	mux.Handle(m.Endpoint(), m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr, "path", m.Endpoint())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
