package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// changeFeedSQL creates the grants table, a version-bumping trigger and the
// NOTIFY trigger that feeds Subscribe. Every statement is idempotent.
const changeFeedSQL = `
CREATE TABLE IF NOT EXISTS screen_time_grants (
	grant_id TEXT PRIMARY KEY,
	child_user_id TEXT NOT NULL,
	family_id TEXT NOT NULL DEFAULT '',
	granted_by_user_id TEXT NOT NULL DEFAULT '',
	granted_minutes INTEGER NOT NULL CHECK (granted_minutes >= 0),
	used_minutes INTEGER NOT NULL DEFAULT 0 CHECK (used_minutes >= 0),
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired', 'revoked')),
	granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	source_task_id TEXT,
	allowed_app_bundle_ids TEXT[],
	allowed_categories TEXT[],
	version BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_screen_time_grants_child_status
	ON screen_time_grants (child_user_id, status);

CREATE OR REPLACE FUNCTION famlink_grant_json(g screen_time_grants) RETURNS json AS $$
	SELECT json_build_object(
		'GrantID', g.grant_id,
		'ChildUserID', g.child_user_id,
		'FamilyID', g.family_id,
		'GrantedMinutes', g.granted_minutes,
		'UsedMinutes', g.used_minutes,
		'Status', g.status,
		'GrantedAt', g.granted_at,
		'ExpiresAt', g.expires_at,
		'RevokedAt', g.revoked_at,
		'SourceTaskID', g.source_task_id,
		'GrantedByUserID', g.granted_by_user_id,
		'AllowedAppBundleIds', g.allowed_app_bundle_ids,
		'AllowedCategories', g.allowed_categories,
		'Version', g.version,
		'UpdatedAt', g.updated_at
	);
$$ LANGUAGE sql STABLE;

CREATE OR REPLACE FUNCTION famlink_bump_grant_version() RETURNS trigger AS $$
BEGIN
	NEW.version := OLD.version + 1;
	NEW.updated_at := now();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION famlink_notify_grant_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('grant_changes', json_build_object(
		'type', lower(TG_OP),
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE famlink_grant_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE famlink_grant_json(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS screen_time_grants_version ON screen_time_grants;
CREATE TRIGGER screen_time_grants_version
	BEFORE UPDATE ON screen_time_grants
	FOR EACH ROW EXECUTE FUNCTION famlink_bump_grant_version();

DROP TRIGGER IF EXISTS screen_time_grants_notify ON screen_time_grants;
CREATE TRIGGER screen_time_grants_notify
	AFTER INSERT OR UPDATE OR DELETE ON screen_time_grants
	FOR EACH ROW EXECUTE FUNCTION famlink_notify_grant_change();
`

// InstallChangeFeed creates the grants table and change-feed triggers
func InstallChangeFeed(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, changeFeedSQL); err != nil {
		return fmt.Errorf("failed to install change feed: %w", err)
	}
	return nil
}
