package warmer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/audithero/velro-backend-sub004/internal/authz"
	"github.com/audithero/velro-backend-sub004/internal/common/config"
	"github.com/audithero/velro-backend-sub004/internal/common/errors"
	"github.com/audithero/velro-backend-sub004/internal/observability"
	"github.com/audithero/velro-backend-sub004/internal/retry"
	"github.com/audithero/velro-backend-sub004/internal/store"
)

// Read and write cover the checks interactive traffic issues; rarer
// operations are left to fault in on demand.
var warmedOps = []authz.Operation{authz.OpRead, authz.OpWrite}

type Engine interface {
	Warm(ctx context.Context, userID uuid.UUID, rt authz.ResourceType, resourceID uuid.UUID, op authz.Operation) error
}

type Store interface {
	RecentlyActiveProjectIDs(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error)
	RecentChurnTeamIDs(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error)
	ListProjectsSharedToTeam(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error)
	GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error)
	GetProjectShares(ctx context.Context, projectID uuid.UUID) ([]*store.ProjectShare, error)
	GetTeamMembers(ctx context.Context, teamID uuid.UUID) ([]*store.TeamMembership, error)
	RefreshSnapshot(ctx context.Context) error
}

type SweepStats struct {
	Projects int           `json:"projects"`
	Entries  int           `json:"entries"`
	Errors   int           `json:"errors"`
	Took     time.Duration `json:"took"`
}

// Warmer precomputes decisions for principals likely to be checked soon:
// owners and team members of recently active projects, plus projects
// reachable through teams with recent membership churn. Sweeps run on a
// cron schedule next to the snapshot refresh and are rate limited so they
// never crowd out interactive checks.
type Warmer struct {
	cfg     config.WarmerConfig
	store   Store
	engine  Engine
	limiter *rate.Limiter
	logger  *zap.Logger

	cron    *cron.Cron
	sweepMu sync.Mutex
}

func New(cfg config.WarmerConfig, st Store, engine Engine, logger *zap.Logger) *Warmer {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Warmer{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (w *Warmer) Start(ctx context.Context) error {
	c := cron.New()

	if w.cfg.Schedule != "" {
		_, err := c.AddFunc(w.cfg.Schedule, func() {
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("warm sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return errors.BadRequest("invalid warmer schedule: " + err.Error())
		}
	}

	if w.cfg.SnapshotSchedule != "" {
		_, err := c.AddFunc(w.cfg.SnapshotSchedule, func() {
			w.refreshSnapshot(ctx)
		})
		if err != nil {
			return errors.BadRequest("invalid snapshot schedule: " + err.Error())
		}
	}

	c.Start()
	w.cron = c
	w.logger.Info("warmer started",
		zap.String("schedule", w.cfg.Schedule),
		zap.String("snapshot_schedule", w.cfg.SnapshotSchedule))
	return nil
}

func (w *Warmer) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// RunOnce performs a single activity-driven sweep. Overlapping runs are
// skipped rather than queued; a sweep that outlives its schedule interval
// should not stack.
func (w *Warmer) RunOnce(ctx context.Context) (*SweepStats, error) {
	if !w.sweepMu.TryLock() {
		w.logger.Debug("warm sweep already running, skipped")
		return nil, nil
	}
	defer w.sweepMu.Unlock()

	start := time.Now()
	candidates, err := w.candidateProjects(ctx, start.Add(-w.cfg.ActivityWindow))
	if err != nil {
		return nil, err
	}

	stats := &SweepStats{}
	for _, projectID := range candidates {
		warmed, err := w.WarmProject(ctx, projectID)
		stats.Entries += warmed
		if err != nil {
			if errors.IsCacheUnavailable(err) || ctx.Err() != nil {
				stats.Took = time.Since(start)
				w.logger.Warn("warm sweep aborted",
					zap.Int("projects", stats.Projects),
					zap.Error(err))
				return stats, err
			}
			stats.Errors++
			continue
		}
		stats.Projects++
	}
	stats.Took = time.Since(start)

	w.logger.Info("warm sweep complete",
		zap.Int("projects", stats.Projects),
		zap.Int("entries", stats.Entries),
		zap.Int("errors", stats.Errors),
		zap.Duration("took", stats.Took))
	return stats, nil
}

// candidateProjects merges recently touched projects with projects shared
// to teams whose membership recently changed, capped at the batch size.
func (w *Warmer) candidateProjects(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	projectIDs, err := w.store.RecentlyActiveProjectIDs(ctx, since, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(projectIDs))
	ordered := make([]uuid.UUID, 0, w.cfg.BatchSize)
	for _, id := range projectIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}

	teamIDs, err := w.store.RecentChurnTeamIDs(ctx, since, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, teamID := range teamIDs {
		if len(ordered) >= w.cfg.BatchSize {
			break
		}
		shared, err := w.store.ListProjectsSharedToTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		for _, id := range shared {
			if len(ordered) >= w.cfg.BatchSize {
				break
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ordered = append(ordered, id)
		}
	}

	return ordered, nil
}

// WarmProject computes and caches decisions for principals with a
// plausible path to the project: its owner, then members of the teams it
// is shared with, capped at the batch size. Members past the cap fault
// in on demand.
func (w *Warmer) WarmProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	seen := map[uuid.UUID]struct{}{project.OwnerID: {}}
	principals := []uuid.UUID{project.OwnerID}

	shares, err := w.store.GetProjectShares(ctx, projectID)
	if err != nil {
		return 0, err
	}
	for _, share := range shares {
		if len(principals) >= w.cfg.BatchSize {
			break
		}
		members, err := w.store.GetTeamMembers(ctx, share.TeamID)
		if err != nil {
			return 0, err
		}
		for _, member := range members {
			if len(principals) >= w.cfg.BatchSize {
				break
			}
			if _, ok := seen[member.UserID]; ok {
				continue
			}
			seen[member.UserID] = struct{}{}
			principals = append(principals, member.UserID)
		}
	}

	warmed := 0
	for _, userID := range principals {
		for _, op := range warmedOps {
			if err := w.limiter.Wait(ctx); err != nil {
				return warmed, err
			}
			if err := w.engine.Warm(ctx, userID, authz.ResourceProject, projectID, op); err != nil {
				if errors.IsCacheUnavailable(err) {
					return warmed, err
				}
				w.logger.Warn("warm failed",
					zap.String("project_id", projectID.String()),
					zap.String("user_id", userID.String()),
					zap.Error(err))
				continue
			}
			warmed++
		}
	}

	if warmed > 0 {
		observability.RecordWarmedEntries(warmed)
	}
	return warmed, nil
}

// WarmTeam warms every project currently shared to the team.
func (w *Warmer) WarmTeam(ctx context.Context, teamID uuid.UUID) (int, error) {
	projectIDs, err := w.store.ListProjectsSharedToTeam(ctx, teamID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, projectID := range projectIDs {
		warmed, err := w.WarmProject(ctx, projectID)
		total += warmed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *Warmer) refreshSnapshot(ctx context.Context) {
	start := time.Now()
	err := retry.WithBackoff(ctx, retry.Patient(), func() error {
		return w.store.RefreshSnapshot(ctx)
	})
	if err != nil {
		w.logger.Error("snapshot refresh failed", zap.Error(err))
		return
	}

	observability.SetSnapshotAge(0)
	w.logger.Info("snapshot refreshed", zap.Duration("took", time.Since(start)))
}
