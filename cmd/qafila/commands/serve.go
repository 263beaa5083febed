package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/qafila/broadcast"
	"github.com/teranos/qafila/catalog"
	"github.com/teranos/qafila/flag"
	"github.com/teranos/qafila/job"
	"github.com/teranos/qafila/logger"
	"github.com/teranos/qafila/pipeline"
	"github.com/teranos/qafila/record"
	"github.com/teranos/qafila/schedule"
	"github.com/teranos/qafila/server"
	"github.com/teranos/qafila/upstream"
	"github.com/teranos/qafila/worker"
)

const cleanupInterval = 6 * time.Hour

// ServeCmd runs the sync daemon: worker pool, schedule ticker, and the
// WebSocket event stream, all over one database.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `serve — Run the qafila daemon

Starts the worker pool, the schedule ticker, and the event stream server.
Jobs left running by a previous process are requeued with their checkpoints
intact before workers start.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Logging.JSON); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Logger

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broadcaster := broadcast.New()
	flags := flag.NewSQLStore(database)
	jobs := job.NewStore(database)
	service := job.NewService(jobs, flags, broadcaster, logger.Named("jobs"))
	schedules := schedule.NewStore(database)

	client := upstream.NewHTTPClient(cfg.Upstream.BaseURL,
		upstream.WithCallTimeout(cfg.Upstream.CallTimeout()))
	registry, err := catalog.NewRegistry(
		catalog.Deps{
			Client:   client,
			Upserter: record.NewUpserter(record.NewSQLStore(database)),
		},
		catalog.Config{
			Locations:  cfg.Catalog.Locations,
			Methods:    cfg.Catalog.Methods,
			Schools:    cfg.Catalog.Schools,
			Days:       cfg.Catalog.Days,
			FetchDelay: cfg.Catalog.FetchDelay(),
		},
	)
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(flags, jobs, broadcaster, logger.Named("pipeline"))
	supervisor := worker.NewSupervisor(jobs, flags, runner, registry,
		schedules, broadcaster, logger.Named("worker"))
	pool := worker.NewPool(ctx, jobs, supervisor, worker.PoolConfig{
		Workers:      cfg.Sync.Workers,
		PollInterval: cfg.Sync.PollInterval(),
	}, logger.Named("worker"))
	ticker := schedule.NewTicker(ctx, schedules, service,
		cfg.Sync.TickInterval(), logger.Named("schedule"))
	eventStream := server.New(cfg.Server.Addr, broadcaster, log)

	if err := pool.Start(); err != nil {
		return err
	}
	ticker.Start()
	go func() {
		if err := eventStream.Start(); err != nil {
			log.Errorw("Event stream server failed", "error", err)
			stop()
		}
	}()
	go cleanupLoop(ctx, jobs, cfg.Sync.CleanupAfterDays, log)

	log.Infow("qafila daemon running",
		"addr", cfg.Server.Addr,
		"workers", cfg.Sync.Workers,
		"database", cfg.Database.Path)

	<-ctx.Done()
	log.Infow("Shutting down")

	ticker.Stop()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eventStream.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Event stream shutdown incomplete", "error", err)
	}
	log.Infow("Shutdown complete")
	return nil
}

// cleanupLoop prunes terminal jobs older than the retention window.
func cleanupLoop(ctx context.Context, jobs *job.Store, afterDays int, log *zap.SugaredLogger) {
	if afterDays <= 0 {
		return
	}
	retention := time.Duration(afterDays) * 24 * time.Hour

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := jobs.CleanupTerminal(retention)
			if err != nil {
				log.Errorw("Failed to clean up terminal jobs", "error", err)
				continue
			}
			if pruned > 0 {
				log.Infow("Pruned terminal jobs", "count", pruned, "older_than", retention)
			}
		}
	}
}
