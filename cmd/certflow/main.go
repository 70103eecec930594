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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"certflow/internal/api"
	"certflow/internal/blobstore"
	"certflow/internal/config"
	"certflow/internal/engine"
	"certflow/internal/external"
	"certflow/internal/queue"
	"certflow/internal/ratelimit"
	"certflow/internal/recovery"
	"certflow/internal/store"
	"certflow/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	blob, err := blobstore.New(ctx, cfg)
	if err != nil {
		return err
	}

	sim := external.NewSimulator(cfg.SimLatency, cfg.SimFailFirst, cfg.SimPollsUntilSubmitted)
	services := external.SimServices(sim)
	policy := external.NewPolicy(cfg)

	runner := worker.NewRunner(cfg, worker.PgSessions(st), st, logger)
	q := queue.New(cfg.MaxConcurrentJobs, runner.Execute, logger)
	eng := engine.New(cfg, st, q, services, policy, blob, logger)
	runner.SetSink(eng)

	// Repair orphans from the last unclean shutdown before any traffic or
	// polling can touch their workflows.
	sweeper := recovery.New(st, eng, logger)
	if err := sweeper.Sweep(ctx); err != nil {
		return err
	}

	server := api.New(cfg, st, eng, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatch loop started", "max_concurrent_jobs", cfg.MaxConcurrentJobs)
		return q.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("poller started", "interval", cfg.PollInterval)
		return eng.RunPoller(gctx)
	})
	g.Go(func() error {
		logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
