package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soundleaf/soundleaf/internal/breaker"
	"github.com/soundleaf/soundleaf/internal/clients"
	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/monitor"
	"github.com/soundleaf/soundleaf/internal/queue"
	"github.com/soundleaf/soundleaf/internal/scheduler"
	"github.com/soundleaf/soundleaf/internal/server"
	"github.com/soundleaf/soundleaf/internal/settings"
	"github.com/soundleaf/soundleaf/internal/shared"
	"github.com/soundleaf/soundleaf/internal/tasks"
	"github.com/urfave/cli/v3"
)

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the bridge daemon",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r.reloadConfig(cmd)
			return r.Serve(ctx)
		},
	}
}

// initStores creates the settings and library tables.
func initStores(db *sql.DB, r *Runner) error {
	if _, err := settings.NewStore(db, r.logger); err != nil {
		return err
	}
	if _, err := library.NewIndex(db); err != nil {
		return err
	}
	return nil
}

// Serve is the daemon's composition root: it wires the queue engine, the
// transfer monitor, the cooldown scheduler, and the status server, then
// blocks until a shutdown signal arrives.
func (r *Runner) Serve(ctx context.Context) error {
	cfg := r.config

	db, err := shared.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	shared.ConfigureDatabase(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)

	store, err := settings.NewStore(db, r.logger)
	if err != nil {
		return err
	}
	index, err := library.NewIndex(db)
	if err != nil {
		return err
	}
	if albums, err := index.Albums(); err == nil {
		r.logger.Info("library index loaded", "albums", len(albums))
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutSecs) * time.Second,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSecs) * time.Second,
	}, r.logger)

	var upstream clients.Upstream
	if cfg.Upstream.ClientID != "" && cfg.Upstream.ClientSecret != "" {
		client, err := clients.NewUpstreamClient(ctx, cfg.Upstream)
		if err != nil {
			return err
		}
		upstream = client
	} else {
		r.logger.Warn("upstream credentials missing, library sync disabled")
	}
	peer := clients.NewPeerClient(cfg.Peer, &http.Client{Timeout: 30 * time.Second})

	engine := queue.NewEngine(queue.Options{
		Workers:           cfg.Queue.Workers,
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		ShutdownGrace:     cfg.Queue.ShutdownGrace(),
		Logger:            r.logger,
	})

	taskEngine := tasks.NewEngine(tasks.Deps{
		Queue:         engine,
		Upstream:      upstream,
		Peer:          peer,
		Breakers:      breakers,
		Index:         index,
		IncompleteDir: cfg.Library.IncompleteDir,
		MusicDir:      cfg.Library.MusicDir,
		Logger:        r.logger,
	})

	if err := engine.SetCancelHook(taskEngine.OnJobCancelled); err != nil {
		return err
	}

	for jobType, handler := range map[queue.Type]queue.Handler{
		queue.TypeTransfer:      taskEngine.TransferHandler(),
		queue.TypeLibraryScan:   taskEngine.LibraryScanHandler(),
		queue.TypeDuplicateScan: taskEngine.DuplicateScanHandler(),
		queue.TypeCleanup:       taskEngine.CleanupHandler(),
	} {
		if err := engine.RegisterHandler(jobType, handler); err != nil {
			return err
		}
	}

	if err := engine.Start(); err != nil {
		return err
	}

	mon := monitor.New(taskEngine.IndexingTracker(engine), peer, breakers.Get("peer"), cfg.Monitor.PollInterval(), r.logger)
	mon.Start()

	sched := scheduler.New(store, cfg.Scheduler.Tick(), r.logger)
	for _, task := range taskEngine.ScheduledTasks() {
		sched.Register(task)
	}
	sched.Start()

	srv := server.New(engine, breakers, sched, r.logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(cfg.Server.Addr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		r.logger.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			r.logger.Error("status server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("status server shutdown failed", "err", err)
	}

	sched.Stop()
	mon.Stop()
	engine.Stop()
	return nil
}
