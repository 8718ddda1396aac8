package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/yourorg/convoy/internal/config"
	"github.com/yourorg/convoy/internal/db"
	"github.com/yourorg/convoy/internal/healthcache"
	"github.com/yourorg/convoy/internal/migrate"
	"github.com/yourorg/convoy/internal/queue"
	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/routing"
	"github.com/yourorg/convoy/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := queue.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("connecting to database")
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to database failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := migrate.Run(ctx, pool); err != nil {
		logger.Error("run migrations failed", "err", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("parse redis URL failed", "err", err)
		os.Exit(1)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("redis connected")

	st := postgres.New(pool)

	for _, tc := range cfg.Targets {
		if err := st.UpsertTarget(ctx, tc.Target()); err != nil {
			logger.Error("upsert target failed", "host_id", tc.HostID, "err", err)
			os.Exit(1)
		}
		logger.Info("target registered",
			"host_id", tc.HostID,
			"executor_type", tc.ExecutorType,
			"enabled", tc.Enabled,
		)
	}

	hc := healthcache.New(rc, cfg.HealthTTL.Std())
	reg := registry.New(st, hc, logger)

	defaultExecutor := cfg.Routing.Default
	if defaultExecutor == "" {
		defaultExecutor = "docker"
	}
	engine, err := routing.NewEngine(cfg.Routing.Rules, defaultExecutor)
	if err != nil {
		logger.Error("build routing engine failed", "err", err)
		os.Exit(1)
	}

	mgr := queue.NewManager(st, reg, engine, logger, queue.Options{
		PollInterval:        cfg.Worker.PollInterval.Std(),
		MonitorInterval:     cfg.Worker.MonitorInterval.Std(),
		MaintenanceInterval: cfg.Worker.MaintenanceInterval.Std(),
		ClaimBatch:          cfg.Worker.ClaimBatch,
		LaunchConcurrency:   cfg.Worker.LaunchConcurrency,
		LaunchTimeout:       cfg.Worker.LaunchTimeout.Std(),
		StatusTimeout:       cfg.Worker.StatusTimeout.Std(),
		StaleLaunching:      cfg.Worker.StaleLaunching.Std(),
		StaleRunning:        cfg.Worker.StaleRunning.Std(),
		CleanupBatch:        cfg.Worker.CleanupBatch,
	})

	go mgr.Run(ctx)
	logger.Info("worker started")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	drainTimeout := cfg.Worker.DrainTimeout.Std()
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()

	if err := mgr.DrainAndWait(drainCtx); err != nil {
		logger.Warn("drain timed out, exiting with launches possibly in flight", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped cleanly")
}
