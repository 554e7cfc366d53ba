// Package postgres reads grants from a PostgreSQL table and follows changes
// through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"famlink/internal/authority"
	"famlink/internal/clock"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the NOTIFY channel the change-feed trigger publishes on
const Channel = "grant_changes"

// Authority implements authority.Authority on top of a pgx pool
type Authority struct {
	pool    *pgxpool.Pool
	clock   clock.Clock
	backoff authority.Backoff
	logger  *slog.Logger
}

// New creates an Authority from an existing pool
func New(pool *pgxpool.Pool, clk clock.Clock, logger *slog.Logger) *Authority {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authority{
		pool:    pool,
		clock:   clk,
		backoff: authority.DefaultBackoff,
		logger:  logger.With("component", "authority-postgres"),
	}
}

// Connect opens a pool for dsn and verifies it with a ping
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return pool, nil
}

const selectGrants = `
	SELECT grant_id, child_user_id, family_id, granted_minutes, used_minutes,
		status, granted_at, expires_at, revoked_at, source_task_id,
		granted_by_user_id, allowed_app_bundle_ids, allowed_categories,
		version, updated_at
	FROM screen_time_grants`

// FetchActiveGrants implements authority.Authority
func (a *Authority) FetchActiveGrants(ctx context.Context, childUserID string) ([]authority.Row, error) {
	rows, err := a.pool.Query(ctx, selectGrants+`
		WHERE child_user_id = $1 AND status = 'active'
		ORDER BY granted_at, grant_id`, childUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var out []authority.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	return out, nil
}

func scanRow(rows pgx.Rows) (authority.Row, error) {
	var (
		row                  authority.Row
		grantedAt, expiresAt *time.Time
		revokedAt, updatedAt *time.Time
	)
	err := rows.Scan(&row.GrantID, &row.ChildUserID, &row.FamilyID, &row.GrantedMinutes, &row.UsedMinutes,
		&row.Status, &grantedAt, &expiresAt, &revokedAt, &row.SourceTaskID,
		&row.GrantedByUserID, &row.AllowedAppBundleIds, &row.AllowedCategories,
		&row.Version, &updatedAt)
	if err != nil {
		return authority.Row{}, fmt.Errorf("failed to scan grant: %w", err)
	}

	row.GrantedAt = formatTime(grantedAt)
	row.ExpiresAt = formatTime(expiresAt)
	row.UpdatedAt = formatTime(updatedAt)
	if revokedAt != nil {
		s := formatTime(revokedAt)
		row.RevokedAt = &s
	}
	return row, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Subscribe implements authority.Authority. A dedicated connection LISTENs
// on Channel; on any connection error it reconnects with backoff and calls
// OnSubscribed again.
func (a *Authority) Subscribe(ctx context.Context, childUserID string, h authority.Handler) (authority.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}

	// The first connection is made synchronously so configuration errors
	// surface to the caller.
	conn, err := a.listen(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", authority.ErrSubscribeFailed, err)
	}

	go a.run(subCtx, sub, conn, childUserID, h)
	return sub, nil
}

func (a *Authority) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, a.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (a *Authority) run(ctx context.Context, sub *subscription, conn *pgx.Conn, childUserID string, h authority.Handler) {
	defer sub.Close()
	logger := a.logger.With("child_id", childUserID)

	attempt := 0
	for {
		if conn == nil {
			delay := a.backoff.Delay(attempt)
			logger.Warn("Reconnecting change feed", "attempt", attempt+1, "delay", delay)
			if err := authority.Sleep(ctx, a.clock, delay); err != nil {
				return
			}
			var err error
			conn, err = a.listen(ctx)
			if err != nil {
				attempt++
				logger.Error("Failed to reconnect change feed", "error", err)
				continue
			}
		}

		attempt = 0
		logger.Info("Change feed subscribed")
		h.OnSubscribed(ctx)

		err := a.receive(ctx, conn, childUserID, h, logger)
		conn.Close(context.Background())
		conn = nil

		if ctx.Err() != nil {
			logger.Info("Change feed closed")
			return
		}
		logger.Warn("Change feed disconnected", "error", err)
	}
}

func (a *Authority) receive(ctx context.Context, conn *pgx.Conn, childUserID string, h authority.Handler, logger *slog.Logger) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var ev authority.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			logger.Warn("Dropping malformed change notification", "error", err)
			continue
		}
		if ev.ChildUserID() != childUserID {
			continue
		}
		h.OnEvent(ctx, ev)
	}
}

type subscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Close stops the feed. Callbacks already running are allowed to finish.
func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// ErrNotInstalled is returned by CheckChangeFeed when the trigger is missing
var ErrNotInstalled = errors.New("grant change feed not installed")

// CheckChangeFeed verifies the trigger exists
func CheckChangeFeed(ctx context.Context, pool *pgxpool.Pool) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_trigger WHERE tgname = 'screen_time_grants_notify'
		)`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check change feed: %w", err)
	}
	if !exists {
		return ErrNotInstalled
	}
	return nil
}
