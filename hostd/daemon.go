package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/hostforge/hostd/components"
	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/coordination"
	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/itskum47/hostforge/hostd/system"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	fetchTimeout    = 30 * time.Minute
	shutdownTimeout = 10 * time.Second
	depthInterval   = 15 * time.Second
)

// ownerID identifies this process in lease values.
func ownerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "hostd"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

// runDaemon wires the store, components, worker pool, scheduler and API and
// runs them until ctx is done or one of them fails. Losing the state store is
// fatal and is returned as an error so the process exits non-zero.
func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	raw, err := store.Open(storeOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	guard := store.NewGuard(raw, cfg.Store.LivenessInterval, logger, func(err error) {
		logger.Error("state store lost, shutting down", zap.Error(err))
		cancel(fmt.Errorf("state store lost: %w", err))
	})
	defer guard.Close()
	logger.Info("state store opened", zap.String("backend", cfg.Store.Backend))

	live := config.NewLive(guard, logger)
	sink := messages.NewSink(guard, logger)
	queue := scheduler.NewQueue(guard, logger)
	runner := system.NewShellRunner(logger)
	fetcher := system.NewHTTPFetcher(logger, fetchTimeout)

	rt := &framework.Runtime{
		Store:    guard,
		Settings: cfg,
		Config:   live,
		Logger:   logger,
		Messages: sink,
		Queue:    queue,
		Runner:   runner,
		Fetcher:  fetcher,
	}
	mgr, err := startComponents(ctx, rt)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := mgr.Stop(stopCtx); err != nil {
			logger.Warn("component shutdown failed", zap.Error(err))
		}
	}()

	schedCfg := scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		PollInterval:      cfg.Scheduler.PollInterval,
		SchedulerInterval: cfg.Scheduler.SchedulerInterval,
		StepTimeout:       cfg.Scheduler.StepTimeout,
	}
	exec := scheduler.NewExecutor(scheduler.ExecutorDeps{
		Runner:  runner,
		Fetcher: fetcher,
		Config:  live,
		Caller:  mgr,
		Sink:    sink,
	}, schedCfg.StepTimeout, logger)
	pool := scheduler.NewPool(queue, exec, sink, schedCfg, logger)

	elector := coordination.NewElector(guard, "scheduler", store.KeyLeaseScheduler, ownerID(), cfg.Scheduler.LeaseTTL, logger)
	sched := scheduler.NewScheduler(guard, elector, schedCfg, logger)

	hub := NewMessageHub(sink, logger)
	api := NewAPI(APIDeps{Store: guard, Queue: queue, Sink: sink, Caller: mgr, Hub: hub, Leases: []LeaseReporter{elector}}, cfg.API, logger)
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return guard.Monitor(gctx) })
	g.Go(func() error { return elector.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		runDepthCollector(gctx, queue, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.API.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if cause := context.Cause(ctx); err == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	if err != nil {
		logger.Error("daemon stopped", zap.Error(err))
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// startComponents registers every catalog component and starts them.
func startComponents(ctx context.Context, rt *framework.Runtime) (*framework.Manager, error) {
	catalog := components.Catalog()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	mgr := framework.NewManager(catalog, rt.Logger)
	for _, name := range names {
		if err := mgr.Register(catalog[name]()); err != nil {
			return nil, err
		}
	}
	if err := mgr.Start(ctx, rt); err != nil {
		return nil, fmt.Errorf("start components: %w", err)
	}
	return mgr, nil
}

// runDepthCollector refreshes the queue depth gauges until ctx is done.
func runDepthCollector(ctx context.Context, queue *scheduler.Queue, logger *zap.Logger) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := queue.Depth(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to read queue depth", zap.Error(err))
			}
		}
	}
}
