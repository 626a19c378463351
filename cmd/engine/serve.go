package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fno-automation-engine/internal/adapter"
	"fno-automation-engine/internal/api"
	"fno-automation-engine/internal/config"
	"fno-automation-engine/internal/evidence"
	"fno-automation-engine/internal/logging"
	"fno-automation-engine/internal/monitor"
	"fno-automation-engine/internal/notify"
	"fno-automation-engine/internal/queue"
	"fno-automation-engine/internal/ratelimit"
	"fno-automation-engine/internal/registry"
	"fno-automation-engine/internal/store"
	"fno-automation-engine/internal/worker"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the job dispatcher and the signal monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), loadConfig())
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	reg, err := registry.Load(cfg.OperatorsFile)
	if err != nil {
		return fmt.Errorf("load operators: %w", err)
	}
	for _, d := range reg.Descriptors() {
		log.Info().Str("operator", d.Name).Str("capability", string(d.Capability)).Msg("operator registered")
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := evidence.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("evidence recorder: %w", err)
	}
	resolver := adapter.NewResolver(adapter.Options{
		APITimeout:    cfg.APICallTimeout,
		PortalTimeout: cfg.PortalSessionTimeout,
		NewBrowser:    adapter.NewSimulatedBrowserFactory(cfg.PortalStepDelay),
		Evidence:      rec,
		Logger:        logging.Component(log, "adapter"),
	})

	var (
		dlq     queue.DeadLetter = queue.NewMemoryDeadLetter()
		limiter api.Limiter
	)
	if rdb := queue.NewRedisClient(cfg); rdb != nil {
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		dlq = queue.NewRedisDeadLetter(rdb, cfg.DLQName)
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	dispatcher := worker.NewDispatcher(cfg, st, reg, resolver, dlq, notify.FromConfig(cfg, logging.Component(log, "notify")), logging.Component(log, "dispatcher"))
	mon := monitor.New(cfg, dispatcher, reg, logging.Component(log, "monitor"))
	server := api.New(cfg, dispatcher, mon, reg, dlq, limiter, logging.Component(log, "api"))

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("store", cfg.StoreBackend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("engine stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config) (worker.Store, func(), error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return store.NewMemory(), func() {}, nil
	case "postgres":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}
