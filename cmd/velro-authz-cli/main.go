package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/audit"
	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/common/errors"
	"github.com/audithero/velro-backend-sub004/internal/infra/cache"
	"github.com/audithero/velro-backend-sub004/internal/infra/db"
	"github.com/audithero/velro-backend-sub004/internal/invalidation"
	"github.com/audithero/velro-backend-sub004/internal/observability"
	"github.com/audithero/velro-backend-sub004/internal/store"
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

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkUser := checkCmd.String("user", "", "user id")
	checkResource := checkCmd.String("resource", "", "resource as type:id (project, generation or team)")
	checkOp := checkCmd.String("op", "read", "operation (read, write, delete, admin)")

	invalidateCmd := flag.NewFlagSet("invalidate", flag.ExitOnError)
	invalidateScope := invalidateCmd.String("scope", "", "scope as team:<id> or project:<id>")
	invalidateUser := invalidateCmd.String("user", "", "invalidate every scope the user participates in")

	warmCmd := flag.NewFlagSet("warm", flag.ExitOnError)
	warmProject := warmCmd.String("project", "", "warm a single project")
	warmTeam := warmCmd.String("team", "", "warm every project shared to a team")
	warmSweep := warmCmd.Bool("sweep", false, "run one activity-driven sweep")

	snapshotCmd := flag.NewFlagSet("snapshot", flag.ExitOnError)
	snapshotRefresh := snapshotCmd.Bool("refresh", false, "refresh the access snapshot now")

	modeCmd := flag.NewFlagSet("mode", flag.ExitOnError)
	modeSet := modeCmd.String("set", "", "force a degraded mode (degraded_no_cache or degraded_fail_closed)")
	modeClear := modeCmd.Bool("clear", false, "clear a forced mode")

	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	verifyScope := verifyCmd.String("scope", "", "scope as team:<id> or project:<id>")
	verifyRepair := verifyCmd.Bool("repair", false, "rewrite the counter from postgres on drift")

	if len(os.Args) < 2 {
		printUsage()
		return nil
	}

	ctx := observability.EnsureRequestID(context.Background())

	switch os.Args[1] {
	case "check":
		if err := checkCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return handleCheck(ctx, *checkUser, *checkResource, *checkOp)
	case "invalidate":
		if err := invalidateCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return handleInvalidate(ctx, *invalidateScope, *invalidateUser)
	case "warm":
		if err := warmCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return handleWarm(ctx, *warmProject, *warmTeam, *warmSweep)
	case "snapshot":
		if err := snapshotCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return handleSnapshot(ctx, *snapshotRefresh)
	case "mode":
		if err := modeCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return handleMode(ctx, *modeSet, *modeClear)
	case "verify":
		if err := verifyCmd.Parse(os.Args[2:]); err != nil {
			return err
		}
		return handleVerify(ctx, *verifyScope, *verifyRepair)
	default:
		printUsage()
		return nil
	}
}

type clients struct {
	cfg      *config.Config
	database *db.DB
	cache    *cache.Cache
	store    *store.Store
	auditor  *audit.Logger
	logger   *zap.Logger
}

func connect(requireCache bool) (*clients, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	database, err := db.New(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	var cacheClient *cache.Cache
	if cfg.Redis.Enabled {
		cacheClient, err = cache.New(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
		)
		if err != nil {
			if requireCache {
				database.Close()
				return nil, nil, fmt.Errorf("connect to redis: %w", err)
			}
			fmt.Fprintf(os.Stderr, "warning: redis unavailable, continuing without shared cache: %v\n", err)
		}
	} else if requireCache {
		database.Close()
		return nil, nil, fmt.Errorf("redis is not enabled in config")
	}

	logger := zap.NewNop()
	cl := &clients{
		cfg:      cfg,
		database: database,
		cache:    cacheClient,
		store:    store.New(database.Pool),
		auditor:  audit.NewLogger(database.Pool, logger),
		logger:   logger,
	}
	cleanup := func() {
		if cacheClient != nil {
			_ = cacheClient.Close()
		}
		database.Close()
	}
	return cl, cleanup, nil
}

func (cl *clients) engine() *authz.Engine {
	return authz.NewEngine(cl.cfg.Engine, cl.store, cl.cache, nil, cl.auditor, cl.logger)
}

func (cl *clients) coordinator() *invalidation.Coordinator {
	versions := authz.NewVersionSource(cl.cache, cl.store, cl.logger)
	return invalidation.New(cl.store, versions, cl.cache, cl.auditor, cl.logger)
}

func handleCheck(ctx context.Context, user, resource, op string) error {
	userID, err := uuid.Parse(user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	rt, resourceID, err := parseResource(resource)
	if err != nil {
		return err
	}

	cl, cleanup, err := connect(false)
	if err != nil {
		return err
	}
	defer cleanup()

	decision, checkErr := cl.engine().CheckAccess(ctx, userID, rt, resourceID, authz.Operation(op))
	if decision == nil {
		return checkErr
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if checkErr != nil {
		fmt.Fprintf(os.Stderr, "denied with error: %v\n", checkErr)
	}
	return nil
}

func handleInvalidate(ctx context.Context, scopeArg, userArg string) error {
	if (scopeArg == "") == (userArg == "") {
		return fmt.Errorf("specify exactly one of --scope or --user")
	}

	cl, cleanup, err := connect(false)
	if err != nil {
		return err
	}
	defer cleanup()

	coord := cl.coordinator()

	if scopeArg != "" {
		scope, ok := authz.ParseStampKey(scopeArg)
		if !ok {
			return fmt.Errorf("invalid scope %q, want team:<id> or project:<id>", scopeArg)
		}
		version, err := coord.InvalidateScope(ctx, scope)
		if err != nil {
			return err
		}
		fmt.Printf("Scope %s invalidated, version %d\n", scope.StampKey(), version)
		return nil
	}

	userID, err := uuid.Parse(userArg)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	scopes, err := coord.InvalidateUser(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("Invalidated %d scopes for user %s\n", len(scopes), userID)
	return nil
}

func handleWarm(ctx context.Context, projectArg, teamArg string, sweep bool) error {
	set := 0
	if projectArg != "" {
		set++
	}
	if teamArg != "" {
		set++
	}
	if sweep {
		set++
	}
	if set != 1 {
		return fmt.Errorf("specify exactly one of --project, --team or --sweep")
	}

	cl, cleanup, err := connect(false)
	if err != nil {
		return err
	}
	defer cleanup()

	wm := warmer.New(cl.cfg.Warmer, cl.store, cl.engine(), cl.logger)

	switch {
	case sweep:
		stats, err := wm.RunOnce(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case projectArg != "":
		projectID, err := uuid.Parse(projectArg)
		if err != nil {
			return fmt.Errorf("invalid project id: %w", err)
		}
		warmed, err := wm.WarmProject(ctx, projectID)
		if err != nil {
			return err
		}
		fmt.Printf("Warmed %d entries for project %s\n", warmed, projectID)
	default:
		teamID, err := uuid.Parse(teamArg)
		if err != nil {
			return fmt.Errorf("invalid team id: %w", err)
		}
		warmed, err := wm.WarmTeam(ctx, teamID)
		if err != nil {
			return err
		}
		fmt.Printf("Warmed %d entries for team %s\n", warmed, teamID)
	}
	return nil
}

func handleSnapshot(ctx context.Context, refresh bool) error {
	cl, cleanup, err := connect(false)
	if err != nil {
		return err
	}
	defer cleanup()

	if refresh {
		start := time.Now()
		if err := cl.store.RefreshSnapshot(ctx); err != nil {
			return fmt.Errorf("refresh snapshot: %w", err)
		}
		fmt.Printf("Snapshot refreshed in %s\n", time.Since(start).Round(time.Millisecond))
	}

	refreshedAt, err := cl.store.SnapshotRefreshedAt(ctx)
	if err != nil {
		if errors.IsNotFound(err) {
			fmt.Println("Snapshot has never been refreshed")
			return nil
		}
		return err
	}
	fmt.Printf("Snapshot refreshed at %s (age %s)\n",
		refreshedAt.Format(time.RFC3339), time.Since(refreshedAt).Round(time.Second))
	return nil
}

func handleMode(ctx context.Context, set string, clear bool) error {
	if set != "" && clear {
		return fmt.Errorf("specify at most one of --set or --clear")
	}

	// A forced mode has to outlive this process, so it must reach redis.
	requireCache := set != "" || clear
	cl, cleanup, err := connect(requireCache)
	if err != nil {
		return err
	}
	defer cleanup()

	engine := cl.engine()

	switch {
	case set != "":
		if err := engine.Degraded().SetOverride(ctx, authz.Mode(set)); err != nil {
			return err
		}
		fmt.Printf("Mode override set: %s\n", set)
	case clear:
		if err := engine.Degraded().ClearOverride(ctx); err != nil {
			return err
		}
		fmt.Println("Mode override cleared")
	default:
		fmt.Printf("Current mode: %s\n", engine.Mode(ctx))
	}
	return nil
}

func handleVerify(ctx context.Context, scopeArg string, repair bool) error {
	if scopeArg == "" {
		return fmt.Errorf("--scope is required")
	}
	scope, ok := authz.ParseStampKey(scopeArg)
	if !ok {
		return fmt.Errorf("invalid scope %q, want team:<id> or project:<id>", scopeArg)
	}

	cl, cleanup, err := connect(false)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := cl.coordinator().VerifyScope(ctx, scope, repair)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseResource(resource string) (authz.ResourceType, uuid.UUID, error) {
	typePart, idPart, found := strings.Cut(resource, ":")
	if !found {
		return "", uuid.Nil, fmt.Errorf("invalid resource %q, want type:id", resource)
	}
	rt := authz.ResourceType(typePart)
	if !authz.KnownResource(rt) {
		return "", uuid.Nil, fmt.Errorf("unknown resource type %q", typePart)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid resource id: %w", err)
	}
	return rt, id, nil
}

func printUsage() {
	fmt.Println("Velro authorization CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  velro-authz-cli check --user <id> --resource <type:id> [--op read]")
	fmt.Println("  velro-authz-cli invalidate --scope <team:<id>|project:<id>>")
	fmt.Println("  velro-authz-cli invalidate --user <id>")
	fmt.Println("  velro-authz-cli warm --project <id> | --team <id> | --sweep")
	fmt.Println("  velro-authz-cli snapshot [--refresh]")
	fmt.Println("  velro-authz-cli mode [--set <mode>] [--clear]")
	fmt.Println("  velro-authz-cli verify --scope <team:<id>|project:<id>> [--repair]")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  velro-authz-cli check --user 6a5b... --resource project:9c0d... --op write")
	fmt.Println("  velro-authz-cli invalidate --scope team:6a5b...")
	fmt.Println("  velro-authz-cli mode --set degraded_no_cache")
	fmt.Println("  velro-authz-cli verify --scope project:9c0d... --repair")
}
