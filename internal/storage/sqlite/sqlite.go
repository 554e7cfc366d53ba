package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"famlink/internal/core"
	"famlink/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements storage.Storage using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

var _ storage.Storage = (*SQLiteStorage)(nil)

// New creates a new SQLite storage instance
func New(dbPath string) (*SQLiteStorage, error) {
	// SQLite will store times as UTC strings, we'll convert in app layer
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; handlers for different children run concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the database schema
func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS grant_records (
			grant_id TEXT PRIMARY KEY,
			child_user_id TEXT NOT NULL,
			family_id TEXT NOT NULL DEFAULT '',
			granted_by_user_id TEXT NOT NULL DEFAULT '',
			granted_minutes INTEGER NOT NULL,
			used_minutes INTEGER NOT NULL DEFAULT 0,
			allowed_apps TEXT,
			allowed_categories TEXT,
			granted_at DATETIME,
			expires_at DATETIME,
			revoked_at DATETIME,
			status TEXT NOT NULL,
			source_task_id TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			server_updated_at DATETIME,
			state TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			is_local INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_grant_records_child ON grant_records(child_user_id);
		CREATE INDEX IF NOT EXISTS idx_grant_records_state ON grant_records(state);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveGrantRecord inserts or replaces a grant record
func (s *SQLiteStorage) SaveGrantRecord(ctx context.Context, record *core.GrantRecord) error {
	if err := record.Grant.Validate(); err != nil {
		return err
	}
	if !record.State.Valid() {
		return fmt.Errorf("invalid lifecycle state %q", record.State)
	}

	g := record.Grant
	apps, err := marshalSet(g.AllowedAppBundleIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed apps: %w", err)
	}
	var categories []string
	if g.AllowedCategories != nil {
		categories = make([]string, len(g.AllowedCategories))
		for i, c := range g.AllowedCategories {
			categories[i] = string(c)
		}
	}
	cats, err := marshalSet(categories)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed categories: %w", err)
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grant_records (
			grant_id, child_user_id, family_id, granted_by_user_id,
			granted_minutes, used_minutes, allowed_apps, allowed_categories,
			granted_at, expires_at, revoked_at, status, source_task_id,
			version, server_updated_at, state, fingerprint, last_error, attempts, is_local, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(grant_id) DO UPDATE SET
			child_user_id = excluded.child_user_id,
			family_id = excluded.family_id,
			granted_by_user_id = excluded.granted_by_user_id,
			granted_minutes = excluded.granted_minutes,
			used_minutes = excluded.used_minutes,
			allowed_apps = excluded.allowed_apps,
			allowed_categories = excluded.allowed_categories,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at,
			revoked_at = excluded.revoked_at,
			status = excluded.status,
			source_task_id = excluded.source_task_id,
			version = excluded.version,
			server_updated_at = excluded.server_updated_at,
			state = excluded.state,
			fingerprint = excluded.fingerprint,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			is_local = excluded.is_local,
			updated_at = excluded.updated_at
	`,
		g.ID, g.ChildUserID, g.FamilyID, g.GrantedByUserID,
		g.GrantedMinutes, g.UsedMinutes, apps, cats,
		nullTime(g.GrantedAt), nullTime(g.ExpiresAt), nullTimePtr(g.RevokedAt), string(g.Status), nullString(g.SourceTaskID),
		g.Version, nullTime(g.UpdatedAt), string(record.State), record.Fingerprint, record.LastError, record.Attempts, record.Local, record.UpdatedAt.UTC(),
	)
	return err
}

// GetGrantRecord retrieves a grant record by grant ID
func (s *SQLiteStorage) GetGrantRecord(ctx context.Context, grantID string) (*core.GrantRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecords+` WHERE grant_id = ?`, grantID)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListGrantRecords returns all records for a child, oldest first
func (s *SQLiteStorage) ListGrantRecords(ctx context.Context, childUserID string) ([]*core.GrantRecord, error) {
	return s.listByCondition(ctx, "child_user_id = ?", childUserID)
}

// ListGrantRecordsByState returns all records in the given state
func (s *SQLiteStorage) ListGrantRecordsByState(ctx context.Context, state core.LifecycleState) ([]*core.GrantRecord, error) {
	return s.listByCondition(ctx, "state = ?", string(state))
}

// DeleteGrantRecord removes a grant record
func (s *SQLiteStorage) DeleteGrantRecord(ctx context.Context, grantID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM grant_records WHERE grant_id = ?", grantID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

// PruneTerminal deletes expired and revoked records last touched before the cutoff
func (s *SQLiteStorage) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM grant_records
		WHERE state IN (?, ?) AND updated_at < ?
	`, string(core.StateExpired), string(core.StateRevoked), before.UTC())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const selectRecords = `
	SELECT grant_id, child_user_id, family_id, granted_by_user_id,
		granted_minutes, used_minutes, allowed_apps, allowed_categories,
		granted_at, expires_at, revoked_at, status, source_task_id,
		version, server_updated_at, state, fingerprint, last_error, attempts, is_local, updated_at
	FROM grant_records`

func (s *SQLiteStorage) listByCondition(ctx context.Context, condition string, args ...interface{}) ([]*core.GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+" WHERE "+condition+" ORDER BY updated_at, grant_id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*core.GrantRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*core.GrantRecord, error) {
	var (
		record                          core.GrantRecord
		apps, cats, sourceTask          sql.NullString
		grantedAt, expiresAt, revokedAt sql.NullTime
		serverUpdatedAt                 sql.NullTime
		status, state                   string
	)
	g := &record.Grant

	err := row.Scan(&g.ID, &g.ChildUserID, &g.FamilyID, &g.GrantedByUserID,
		&g.GrantedMinutes, &g.UsedMinutes, &apps, &cats,
		&grantedAt, &expiresAt, &revokedAt, &status, &sourceTask,
		&g.Version, &serverUpdatedAt, &state, &record.Fingerprint, &record.LastError, &record.Attempts, &record.Local, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}

	g.Status = core.GrantStatus(status)
	record.State = core.LifecycleState(state)
	if grantedAt.Valid {
		g.GrantedAt = grantedAt.Time
	}
	if expiresAt.Valid {
		g.ExpiresAt = expiresAt.Time
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		g.RevokedAt = &t
	}
	if serverUpdatedAt.Valid {
		g.UpdatedAt = serverUpdatedAt.Time
	}
	if sourceTask.Valid {
		id := sourceTask.String
		g.SourceTaskID = &id
	}

	if g.AllowedAppBundleIDs, err = unmarshalSet(apps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed apps: %w", err)
	}
	rawCats, err := unmarshalSet(cats)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed categories: %w", err)
	}
	if rawCats != nil {
		g.AllowedCategories = make([]core.Category, len(rawCats))
		for i, c := range rawCats {
			g.AllowedCategories[i] = core.Category(c)
		}
	}

	return &record, nil
}

// marshalSet stores nil as SQL NULL so "no restriction" survives a round trip
func marshalSet(values []string) (sql.NullString, error) {
	if values == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalSet(v sql.NullString) ([]string, error) {
	if !v.Valid {
		return nil, nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
