package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/armctl/internal/audit"
	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/config"
	"github.com/fentz26/armctl/internal/controlplane"
	"github.com/fentz26/armctl/internal/logging"
	"github.com/fentz26/armctl/internal/parameter"
	"github.com/fentz26/armctl/internal/resultcache"
	"github.com/fentz26/armctl/internal/robot"
	"github.com/fentz26/armctl/internal/safety"
	"github.com/fentz26/armctl/internal/store"
	"github.com/fentz26/armctl/internal/tracing"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Hour
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the armctl daemon",
	Long: `Starts the armctl daemon: the safety authority, one command orchestrator
per configured robot, the journal and the HTTP API.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}

	lg, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer lg.Close()
	logger := lg.Logger
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}

	// Initialize store
	s, err := store.New(cfg.Server.DBPath)
	if err != nil {
		return err
	}

	// Initialize components
	b := bus.New()
	recorder := audit.NewRecorder(s, b, logger)
	recorder.Start()
	pdr := audit.NewPDRWriter(s)

	cache := resultcache.New(cfg.Cache, logger)
	cache.Start()

	params := parameter.NewStore(b)
	dir := robot.NewDirectory()

	auth := safety.New(cfg.Safety, dir, b, logger)
	auth.SetRecorder(pdr)
	auth.Start()

	deps := robot.Deps{
		Authority: auth,
		Bus:       b,
		Params:    params,
		Cache:     cache,
		Logger:    logger,
		Commands:  cfg.Commands.Config,
		Overrides: cfg.Commands.Overrides,
	}
	for _, rc := range cfg.RobotConfigs() {
		if err := startRobot(ctx, dir, rc, deps); err != nil {
			logger.Error("robot failed to start", "robot", rc.Name, "error", err)
		}
	}
	if len(dir.List()) == 0 {
		logger.Warn("no robots configured", "config", configPath)
	}

	// Create service and server
	service := controlplane.NewService(dir, auth, params, s, pdr, logger)
	server := controlplane.NewServer(service, s, cfg.Server.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Server.Retention > 0 {
		g.Go(func() error {
			pruneJournal(gctx, s, cfg.Server.Retention, logger)
			return nil
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	// Stopping a robot disarms it first if it is armed.
	dir.StopAll()
	auth.Stop()
	cache.Stop()
	recorder.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", "error", err)
	}

	logger.Info("closing database connection")
	if err := s.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func startRobot(ctx context.Context, dir *robot.Directory, rc robot.Config, deps robot.Deps) error {
	r, err := robot.New(rc, deps.Logger)
	if err != nil {
		return err
	}
	if err := dir.Add(r); err != nil {
		return err
	}
	if err := r.Start(ctx, deps); err != nil {
		dir.Remove(rc.Name)
		return err
	}
	return nil
}

// pruneJournal deletes journal rows older than retention until ctx ends.
func pruneJournal(ctx context.Context, s *store.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := s.Prune(time.Now().Add(-retention))
		if err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			logger.Info("journal pruned", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
