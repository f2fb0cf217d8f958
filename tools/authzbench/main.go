// authzbench drives the decision engine from many goroutines and prints
// the latency and tier breakdown the performance monitor collected. It
// samples randomly across the cross product of the given users and
// resources, so the measured distribution mixes tiers the way production
// traffic does; -warm primes every pair first for a fully warmed run.
// Point it at the same postgres and redis as the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
	"github.com/audithero/velro-backend-sub004/internal/infra/db"
	"github.com/audithero/velro-backend-sub004/internal/monitor"
	"github.com/audithero/velro-backend-sub004/internal/store"
)

type target struct {
	rt authz.ResourceType
	id uuid.UUID
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	usersArg := flag.String("users", "", "comma-separated user ids to check")
	resourcesArg := flag.String("resources", "", "comma-separated resources as type:id")
	opArg := flag.String("op", "read", "operation")
	concurrency := flag.Int("concurrency", 8, "parallel checkers")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	warm := flag.Bool("warm", false, "prime every (user, resource) pair before measuring")
	noCache := flag.Bool("no-cache", false, "skip redis even if configured")
	flag.Parse()

	users, err := parseUsers(*usersArg)
	if err != nil {
		return err
	}
	targets, err := parseTargets(*resourcesArg)
	if err != nil {
		return err
	}
	op := authz.Operation(*opArg)
	if !authz.KnownOperation(op) {
		return fmt.Errorf("unknown operation %q", *opArg)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	var cacheClient *cache.Cache
	if cfg.Redis.Enabled && !*noCache {
		cacheClient, err = cache.New(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: redis unavailable, measuring without shared cache: %v\n", err)
		} else {
			defer func() { _ = cacheClient.Close() }()
		}
	}

	logger := zap.NewNop()
	mon := monitor.New(cfg.Monitor, logger)
	st := store.New(database.Pool)
	engine := authz.NewEngine(cfg.Engine, st, cacheClient, mon, audit.NewLogger(nil, logger), logger)

	if *warm {
		warmStart := time.Now()
		warmed := 0
		for _, userID := range users {
			for _, tgt := range targets {
				if err := engine.Warm(context.Background(), userID, tgt.rt, tgt.id, op); err != nil {
					fmt.Fprintf(os.Stderr, "warning: warm %s %s:%s failed: %v\n", userID, tgt.rt, tgt.id, err)
					continue
				}
				warmed++
			}
		}
		fmt.Printf("warmed %d of %d pairs in %s\n\n",
			warmed, len(users)*len(targets), time.Since(warmStart).Round(time.Millisecond))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var checks, granted, failures atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				userID := users[rng.Intn(len(users))]
				tgt := targets[rng.Intn(len(targets))]
				decision, err := engine.CheckAccess(context.Background(), userID, tgt.rt, tgt.id, op)
				checks.Add(1)
				if err != nil {
					failures.Add(1)
					continue
				}
				if decision.Granted {
					granted.Add(1)
				}
			}
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := checks.Load()
	fmt.Printf("ran %d checks over %d keys in %s (%.0f/s, concurrency %d)\n",
		total, len(users)*len(targets), elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds(), *concurrency)
	fmt.Printf("granted %d, errors %d, mode %s\n\n", granted.Load(), failures.Load(), engine.Mode(context.Background()))

	snap := mon.Snapshot(elapsed + time.Minute)
	if snap.Total == 0 {
		fmt.Println("monitor collected no samples")
		return nil
	}

	fmt.Printf("latency  mean %s  p95 %s  p99 %s\n", snap.Mean, snap.P95, snap.P99)
	fmt.Printf("hit rate %.1f%%  grant rate %.1f%%\n\n", snap.HitRate*100, snap.GrantRate*100)

	fmt.Println("tier      count    granted  mean      p95")
	for _, tier := range []string{"l1", "l2", "l3", "direct", "none"} {
		tm, ok := snap.Tiers[tier]
		if !ok {
			continue
		}
		fmt.Printf("%-8s  %-7d  %-7d  %-8s  %-8s\n", tier, tm.Count, tm.Granted, tm.Mean, tm.P95)
	}

	for _, alert := range snap.Alerts {
		fmt.Printf("\nALERT %s: %.3f over threshold %.3f for %d windows\n",
			alert.Metric, alert.Value, alert.Threshold, alert.Windows)
	}
	return nil
}

func parseUsers(arg string) ([]uuid.UUID, error) {
	if arg == "" {
		return nil, fmt.Errorf("at least one user id is required")
	}
	parts := strings.Split(arg, ",")
	users := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", part, err)
		}
		users = append(users, id)
	}
	return users, nil
}

func parseTargets(arg string) ([]target, error) {
	if arg == "" {
		return nil, fmt.Errorf("at least one resource is required")
	}
	parts := strings.Split(arg, ",")
	targets := make([]target, 0, len(parts))
	for _, part := range parts {
		typePart, idPart, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, fmt.Errorf("invalid resource %q, want type:id", part)
		}
		rt := authz.ResourceType(typePart)
		if !authz.KnownResource(rt) {
			return nil, fmt.Errorf("unknown resource type %q", typePart)
		}
		id, err := uuid.Parse(idPart)
		if err != nil {
			return nil, fmt.Errorf("invalid resource id %q: %w", idPart, err)
		}
		targets = append(targets, target{rt: rt, id: id})
	}
	return targets, nil
}
