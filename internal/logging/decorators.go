package logging

import (
	"context"
	"log/slog"
	"time"

	"famlink/internal/core"
	"famlink/internal/enforcement"
)

// EnforcementLogger wraps an enforcement Bridge and logs all method calls
type EnforcementLogger struct {
	bridge enforcement.Bridge
	logger *slog.Logger
}

// NewEnforcementLogger creates a new logging decorator for an enforcement Bridge.
// The fast path stays available when the wrapped bridge provides it.
func NewEnforcementLogger(bridge enforcement.Bridge, logger *slog.Logger) *EnforcementLogger {
	return &EnforcementLogger{
		bridge: bridge,
		logger: logger.With("interface", "EnforcementBridge"),
	}
}

func (l *EnforcementLogger) Grant(ctx context.Context, req enforcement.GrantRequest) enforcement.GrantResult {
	start := time.Now()
	l.logger.Info("Grant called",
		"child_id", req.ChildUserID,
		"minutes", req.Minutes,
		"allowed_apps", req.AllowedApps,
		"allowed_categories", req.AllowedCategories)

	res := l.bridge.Grant(ctx, req)
	duration := time.Since(start)

	if !res.Success {
		l.logger.Error("Grant failed",
			"child_id", req.ChildUserID,
			"minutes", req.Minutes,
			"duration", duration,
			"error", res.Err)
		return res
	}

	l.logger.Info("Grant completed",
		"child_id", req.ChildUserID,
		"remaining_minutes", res.RemainingMinutes,
		"duration", duration)

	return res
}

func (l *EnforcementLogger) Revoke(ctx context.Context, childUserID string) enforcement.Result {
	start := time.Now()
	l.logger.Info("Revoke called",
		"child_id", childUserID)

	res := l.bridge.Revoke(ctx, childUserID)
	duration := time.Since(start)

	if !res.Success {
		l.logger.Error("Revoke failed",
			"child_id", childUserID,
			"duration", duration,
			"error", res.Err)
		return res
	}

	l.logger.Info("Revoke completed",
		"child_id", childUserID,
		"duration", duration)

	return res
}

func (l *EnforcementLogger) Query(ctx context.Context, childUserID string) enforcement.Status {
	start := time.Now()
	l.logger.Debug("Query called",
		"child_id", childUserID)

	st := l.bridge.Query(ctx, childUserID)
	duration := time.Since(start)

	if st.Err != nil {
		l.logger.Error("Query failed",
			"child_id", childUserID,
			"duration", duration,
			"error", st.Err)
		return st
	}

	l.logger.Debug("Query completed",
		"child_id", childUserID,
		"remaining_minutes", st.RemainingMinutes,
		"active_grants", st.ActiveGrants,
		"duration", duration)

	return st
}

func (l *EnforcementLogger) IsAuthorized(ctx context.Context) bool {
	ok := l.bridge.IsAuthorized(ctx)
	l.logger.Debug("IsAuthorized completed", "authorized", ok)
	return ok
}

func (l *EnforcementLogger) RequestAuthorization(ctx context.Context) bool {
	start := time.Now()
	l.logger.Info("RequestAuthorization called")

	ok := l.bridge.RequestAuthorization(ctx)

	l.logger.Info("RequestAuthorization completed",
		"authorized", ok,
		"duration", time.Since(start))
	return ok
}

// SyncGrantFromServer forwards to the wrapped bridge's fast path, or
// reports it unavailable.
func (l *EnforcementLogger) SyncGrantFromServer(ctx context.Context, g core.Grant) bool {
	syncer, ok := l.bridge.(enforcement.ServerSyncer)
	if !ok {
		l.logger.Debug("SyncGrantFromServer unavailable", "grant_id", g.ID)
		return false
	}

	start := time.Now()
	l.logger.Info("SyncGrantFromServer called",
		"grant_id", g.ID,
		"child_id", g.ChildUserID,
		"status", g.Status,
		"remaining_minutes", g.RemainingMinutes())

	synced := syncer.SyncGrantFromServer(ctx, g)

	l.logger.Info("SyncGrantFromServer completed",
		"grant_id", g.ID,
		"child_id", g.ChildUserID,
		"success", synced,
		"duration", time.Since(start))
	return synced
}

var (
	_ enforcement.Bridge       = (*EnforcementLogger)(nil)
	_ enforcement.ServerSyncer = (*EnforcementLogger)(nil)
)
