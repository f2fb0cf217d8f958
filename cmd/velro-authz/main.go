package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/circuitbreaker"
	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/common/errors"
	"github.com/audithero/velro-backend-sub004/internal/common/logging"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
	"github.com/audithero/velro-backend-sub004/internal/infra/db"
	"github.com/audithero/velro-backend-sub004/internal/infra/migrations"
	"github.com/audithero/velro-backend-sub004/internal/monitor"
	"github.com/audithero/velro-backend-sub004/internal/observability"
	"github.com/audithero/velro-backend-sub004/internal/store"
	"github.com/audithero/velro-backend-sub004/internal/version"
	"github.com/audithero/velro-backend-sub004/internal/warmer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Init(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.EnableFile,
		cfg.Logging.FilePath,
	)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting velro-authz",
		zap.String("version", version.String()),
		zap.Int("health_port", cfg.Server.HealthPort),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var database *db.DB
	err = db.WithRetry(ctx, db.DefaultRetryConfig(), func() error {
		var connErr error
		database, connErr = db.NewWithLogger(cfg.Database, logger)
		return connErr
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("connected to database")

	if err := migrations.Run(ctx, database.Pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("migrations applied successfully")

	var cacheClient *cache.Cache
	if cfg.Redis.Enabled {
		cacheClient, err = cache.New(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
		)
		if err != nil {
			logger.Warn("failed to connect to Redis, serving without shared cache", zap.Error(err))
		} else {
			defer func() {
				if err := cacheClient.Close(); err != nil {
					logger.Error("failed to close cache", zap.Error(err))
				}
			}()
			logger.Info("connected to Redis")
		}
	}

	st := store.New(database.Pool)
	auditor := audit.NewLogger(database.Pool, logger)
	mon := monitor.New(cfg.Monitor, logger)
	engine := authz.NewEngine(cfg.Engine, st, cacheClient, mon, auditor, logger)

	healthChecker := observability.NewHealthChecker(logger, version.String())

	healthChecker.RegisterCheck("database", func(ctx context.Context) (observability.HealthStatus, string, error) {
		if err := database.Health(ctx); err != nil {
			return observability.StatusUnhealthy, "database connection failed", err
		}
		return observability.StatusHealthy, "database connection ok", nil
	})

	if cacheClient != nil {
		healthChecker.RegisterCheck("redis", func(ctx context.Context) (observability.HealthStatus, string, error) {
			if err := cacheClient.Ping(ctx); err != nil {
				return observability.StatusDegraded, "redis connection failed", err
			}
			hits, misses, hitRate := cacheClient.Stats()
			return observability.StatusHealthy,
				fmt.Sprintf("redis ok, hits %d misses %d (%.0f%%)", hits, misses, hitRate*100), nil
		})
	}

	healthChecker.RegisterCheck("snapshot", func(ctx context.Context) (observability.HealthStatus, string, error) {
		refreshedAt, err := st.SnapshotRefreshedAt(ctx)
		if err != nil {
			if errors.IsNotFound(err) {
				return observability.StatusDegraded, "snapshot never refreshed", nil
			}
			return observability.StatusUnhealthy, "snapshot probe failed", err
		}
		age := time.Since(refreshedAt)
		if age > cfg.Engine.L3MaxStaleness {
			return observability.StatusDegraded, fmt.Sprintf("snapshot stale: %s", age.Round(time.Second)), nil
		}
		return observability.StatusHealthy, fmt.Sprintf("snapshot age: %s", age.Round(time.Second)), nil
	})

	healthChecker.RegisterCheck("breaker", func(ctx context.Context) (observability.HealthStatus, string, error) {
		state := engine.BreakerState()
		if state == circuitbreaker.StateOpen {
			return observability.StatusDegraded, "computation breaker open, failing closed", nil
		}
		return observability.StatusHealthy, "breaker "+state.String(), nil
	})

	healthChecker.SetModeSource(func(ctx context.Context) string {
		return string(engine.Mode(ctx))
	})
	healthChecker.SetStatsSource(func(span time.Duration) any {
		return mon.Snapshot(span)
	})

	var wm *warmer.Warmer
	if cfg.Warmer.Enabled {
		wm = warmer.New(cfg.Warmer, st, engine, logger)
		if err := wm.Start(ctx); err != nil {
			return fmt.Errorf("start warmer: %w", err)
		}
		defer wm.Stop()
		logger.Info("warmer enabled")
	}

	errChan := make(chan error, 2)

	go func() {
		if err := healthChecker.Start(ctx, cfg.Server.HealthPort); err != nil {
			errChan <- fmt.Errorf("health server: %w", err)
		}
	}()

	go func() {
		if err := observability.ServeMetrics(ctx, cfg.Server.MetricsPort, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go sampleGauges(ctx, engine)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)

	for {
		select {
		case err := <-errChan:
			return err
		case <-hupChan:
			fresh, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", zap.Error(err))
				continue
			}
			engine.ApplyTuning(fresh.Engine)
			logger.Info("engine tuning reloaded",
				zap.Duration("check_timeout", fresh.Engine.CheckTimeout),
				zap.Duration("l1_ttl", fresh.Engine.L1TTL),
				zap.Int("l1_max_entries", fresh.Engine.L1MaxEntries),
				zap.Duration("l2_ttl", fresh.Engine.L2TTL),
				zap.Duration("l3_max_staleness", fresh.Engine.L3MaxStaleness),
			)
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			logger.Info("shutting down gracefully...")
			cancel()
			logger.Info("shutdown complete")
			return nil
		}
	}
}

// sampleGauges publishes slow-moving engine state that counters cannot
// carry: current mode, breaker state, snapshot age, L1 occupancy.
func sampleGauges(ctx context.Context, engine *authz.Engine) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.SetMode(string(engine.Mode(ctx)))
			observability.SetBreakerState(engine.BreakerState().String())
			if refreshedAt := engine.SnapshotRefreshedAt(); !refreshedAt.IsZero() {
				observability.SetSnapshotAge(time.Since(refreshedAt))
			}
			_, _, entries := engine.L1Stats()
			observability.SetL1Entries(entries)
		}
	}
}
