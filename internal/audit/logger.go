package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/audithero/velro-backend-sub004/internal/observability"
)

type Event struct {
	ID        uuid.UUID
	Action    string
	Scope     string
	Severity  string
	Detail    map[string]interface{}
	Timestamp time.Time
}

// Logger records operationally significant authorization events: degraded
// mode transitions, invalidation escalations, cache flushes, version
// drift. Events always reach the structured log; persistence to the audit
// table is best effort so auditing never blocks the paths it observes.
type Logger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewLogger(pool *pgxpool.Pool, logger *zap.Logger) *Logger {
	return &Logger{
		pool:   pool,
		logger: logger,
	}
}

func (al *Logger) Log(ctx context.Context, event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = "info"
	}
	if rid := observability.RequestID(ctx); rid != "" {
		if event.Detail == nil {
			event.Detail = map[string]interface{}{}
		}
		event.Detail["request_id"] = rid
	}

	al.logger.Info("audit event",
		zap.String("event_id", event.ID.String()),
		zap.String("action", event.Action),
		zap.String("scope", event.Scope),
		zap.String("severity", event.Severity),
		zap.Any("detail", event.Detail),
	)

	if al.pool == nil {
		return
	}

	_, err := al.pool.Exec(ctx, `
		INSERT INTO audit_events (id, action, scope, severity, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.Action, event.Scope, event.Severity, event.Detail, event.Timestamp)
	if err != nil {
		al.logger.Warn("audit event not persisted", zap.Error(err))
	}
}

func (al *Logger) LogModeChange(ctx context.Context, from, to string) {
	al.Log(ctx, Event{
		Action:   "authz.mode_change",
		Severity: "warning",
		Detail: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

func (al *Logger) LogModeOverride(ctx context.Context, mode string) {
	al.Log(ctx, Event{
		Action:   "authz.mode_override",
		Severity: "warning",
		Detail: map[string]interface{}{
			"mode": mode,
		},
	})
}

func (al *Logger) LogInvalidationEscalation(ctx context.Context, scope, reason string, err error) {
	detail := map[string]interface{}{"reason": reason}
	if err != nil {
		detail["error"] = err.Error()
	}
	al.Log(ctx, Event{
		Action:   "authz.invalidation_escalation",
		Scope:    scope,
		Severity: "critical",
		Detail:   detail,
	})
}

func (al *Logger) LogScopeFlush(ctx context.Context, prefix string, deleted int64, reason string) {
	al.Log(ctx, Event{
		Action:   "authz.cache_flush",
		Severity: "critical",
		Detail: map[string]interface{}{
			"prefix":  prefix,
			"deleted": deleted,
			"reason":  reason,
		},
	})
}

func (al *Logger) LogVersionDrift(ctx context.Context, scope string, storeVersion, counterVersion int64) {
	al.Log(ctx, Event{
		Action:   "authz.version_drift",
		Scope:    scope,
		Severity: "critical",
		Detail: map[string]interface{}{
			"store_version":   storeVersion,
			"counter_version": counterVersion,
		},
	})
}
