package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// SQLiteStore provides SQLite-based persistence for groups, sessions,
// and cursors.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		jid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		folder TEXT NOT NULL UNIQUE,
		trigger_pattern TEXT DEFAULT '',
		requires_trigger INTEGER,
		container_config TEXT DEFAULT '',
		added_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		folder TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (folder) REFERENCES groups(folder) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS cursors (
		channel TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_groups_folder ON groups(folder);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Group operations

// RegisterGroup creates a new group after validating its folder name.
func (s *SQLiteStore) RegisterGroup(ctx context.Context, group *v1.RegisteredGroup) error {
	if err := ValidateFolder(group.Folder); err != nil {
		return err
	}
	if group.JID == "" {
		return apperrors.ValidationError("jid", "must not be empty")
	}
	if group.AddedAt.IsZero() {
		group.AddedAt = time.Now().UTC()
	}

	containerConfig, err := marshalContainerConfig(group.ContainerConfig)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (jid, name, folder, trigger_pattern, requires_trigger, container_config, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, group.JID, group.Name, group.Folder, group.TriggerPattern,
		boolPtrToInt(group.RequiresTrigger), containerConfig, group.AddedAt)
	if err != nil {
		return apperrors.Conflict(fmt.Sprintf("group %s already registered: %v", group.JID, err))
	}
	return nil
}

// GetGroupByJID retrieves a group by its chat JID.
func (s *SQLiteStore) GetGroupByJID(ctx context.Context, jid string) (*v1.RegisteredGroup, error) {
	return s.getGroup(ctx, "jid", jid)
}

// GetGroupByFolder retrieves a group by its folder name.
func (s *SQLiteStore) GetGroupByFolder(ctx context.Context, folder string) (*v1.RegisteredGroup, error) {
	return s.getGroup(ctx, "folder", folder)
}

func (s *SQLiteStore) getGroup(ctx context.Context, column, value string) (*v1.RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, container_config, added_at
		FROM groups WHERE %s = ?
	`, column), value)

	group, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("group", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return group, nil
}

// ListGroups returns all registered groups ordered by registration time.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*v1.RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, requires_trigger, container_config, added_at
		FROM groups ORDER BY added_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*v1.RegisteredGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// UpdateGroup syncs group metadata. The folder is immutable.
func (s *SQLiteStore) UpdateGroup(ctx context.Context, group *v1.RegisteredGroup) error {
	containerConfig, err := marshalContainerConfig(group.ContainerConfig)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET name = ?, trigger_pattern = ?, requires_trigger = ?, container_config = ?
		WHERE jid = ?
	`, group.Name, group.TriggerPattern, boolPtrToInt(group.RequiresTrigger), containerConfig, group.JID)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("group", group.JID)
	}
	return nil
}

// DeleteGroup removes a group and, via cascade, its session.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, jid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE jid = ?`, jid)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("group", jid)
	}
	return nil
}

// Session operations

// GetSession returns the stored agent session id for a group, or ""
// when no session exists yet.
func (s *SQLiteStore) GetSession(ctx context.Context, folder string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return sessionID, nil
}

// SetSession upserts the agent session id for a group.
func (s *SQLiteStore) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`, folder, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// Cursor operations

// GetCursor returns the router cursor for a channel, or "" if unset.
func (s *SQLiteStore) GetCursor(ctx context.Context, channel string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE channel = ?`, channel).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor upserts the router cursor for a channel.
func (s *SQLiteStore) SetCursor(ctx context.Context, channel, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (channel, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, channel, cursor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row scanner) (*v1.RegisteredGroup, error) {
	group := &v1.RegisteredGroup{}
	var requiresTrigger sql.NullInt64
	var containerConfig string

	err := row.Scan(&group.JID, &group.Name, &group.Folder, &group.TriggerPattern,
		&requiresTrigger, &containerConfig, &group.AddedAt)
	if err != nil {
		return nil, err
	}

	if requiresTrigger.Valid {
		b := requiresTrigger.Int64 != 0
		group.RequiresTrigger = &b
	}
	if containerConfig != "" {
		var cc v1.Container
		if err := json.Unmarshal([]byte(containerConfig), &cc); err == nil {
			group.ContainerConfig = &cc
		}
	}
	return group, nil
}

func marshalContainerConfig(cc *v1.Container) (string, error) {
	if cc == nil {
		return "", nil
	}
	data, err := json.Marshal(cc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal container config: %w", err)
	}
	return string(data), nil
}

func boolPtrToInt(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
