// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Group settings, chat history and conversation turns with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS groups (
			group_id      INTEGER PRIMARY KEY,
			group_name    TEXT NOT NULL DEFAULT '',
			is_voice_chat BOOLEAN NOT NULL DEFAULT 0,
			is_black_list BOOLEAN NOT NULL DEFAULT 0,
			credits       INTEGER NOT NULL DEFAULT 0,
			features      TEXT NOT NULL DEFAULT '',
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_history (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL,
			user_id  INTEGER NOT NULL,
			message  TEXT NOT NULL,
			time     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_history_group_time
			ON chat_history(group_id, time);

		CREATE INDEX IF NOT EXISTS idx_chat_history_user_time
			ON chat_history(group_id, user_id, time);

		CREATE TABLE IF NOT EXISTS conversations (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL,
			user_id  INTEGER NOT NULL,
			role     TEXT NOT NULL,
			message  TEXT NOT NULL,
			time     TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_pair_time
			ON conversations(group_id, user_id, time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

const groupColumns = `group_id, group_name, is_voice_chat, is_black_list, credits, features, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var features, updatedAtStr string
	if err := row.Scan(&g.GroupID, &g.Name, &g.VoiceChat, &g.Blacklisted, &g.Credits, &features, &updatedAtStr); err != nil {
		return nil, err
	}
	g.Features = ParseFeatures(features)

	var err error
	g.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &g, nil
}

// GetGroup retrieves a group by id.
// Returns ErrNotFound if the group doesn't exist.
func (s *SQLiteStore) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE group_id = ?`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group: %w", err)
	}
	return g, nil
}

// EnsureGroup inserts a default row for the group if it has none, then
// returns the stored group.
func (s *SQLiteStore) EnsureGroup(ctx context.Context, groupID int64, name string) (*Group, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO groups (group_id, group_name, updated_at) VALUES (?, ?, ?)`,
		groupID, name, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("inserting group: %w", err)
	}
	return s.GetGroup(ctx, groupID)
}

// SaveGroup inserts or replaces a group row.
func (s *SQLiteStore) SaveGroup(ctx context.Context, g *Group) error {
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO groups (` + groupColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			group_name = excluded.group_name,
			is_voice_chat = excluded.is_voice_chat,
			is_black_list = excluded.is_black_list,
			credits = excluded.credits,
			features = excluded.features,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		g.GroupID,
		g.Name,
		g.VoiceChat,
		g.Blacklisted,
		g.Credits,
		strings.Join(g.Features, ","),
		formatTime(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving group: %w", err)
	}

	s.logger.Debug("saved group", "group_id", g.GroupID, "features", g.Features)
	return nil
}

// ListGroups returns every group ordered by id.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY group_id`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup removes a group row. Deleting a missing group is not an error.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, groupID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	return nil
}

// SaveChat appends a chat history record and fills in its ID.
func (s *SQLiteStore) SaveChat(ctx context.Context, rec *ChatRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (group_id, user_id, message, time) VALUES (?, ?, ?, ?)`,
		rec.GroupID, rec.UserID, rec.Message, formatTime(rec.Time))
	if err != nil {
		return fmt.Errorf("inserting chat record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// GroupHistory returns the newest limit records of a group, oldest first.
func (s *SQLiteStore) GroupHistory(ctx context.Context, groupID int64, limit int) ([]*ChatRecord, error) {
	return s.queryChat(ctx, `
		SELECT id, group_id, user_id, message, time FROM chat_history
		WHERE group_id = ?
		ORDER BY time DESC, id DESC
		LIMIT ?
	`, groupID, limit)
}

// UserHistory returns the newest limit records of one user in a group,
// oldest first.
func (s *SQLiteStore) UserHistory(ctx context.Context, groupID, userID int64, limit int) ([]*ChatRecord, error) {
	return s.queryChat(ctx, `
		SELECT id, group_id, user_id, message, time FROM chat_history
		WHERE group_id = ? AND user_id = ?
		ORDER BY time DESC, id DESC
		LIMIT ?
	`, groupID, userID, limit)
}

func (s *SQLiteStore) queryChat(ctx context.Context, query string, args ...any) ([]*ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chat history: %w", err)
	}
	defer rows.Close()

	var records []*ChatRecord
	for rows.Next() {
		var rec ChatRecord
		var timeStr string
		if err := rows.Scan(&rec.ID, &rec.GroupID, &rec.UserID, &rec.Message, &timeStr); err != nil {
			return nil, fmt.Errorf("scanning chat record: %w", err)
		}
		rec.Time, err = time.Parse(timeLayout, timeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing chat time: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat history: %w", err)
	}

	slices.Reverse(records)
	return records, nil
}

// SaveTurn appends a conversation turn and fills in its ID.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *Turn) error {
	if turn.Time.IsZero() {
		turn.Time = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (group_id, user_id, role, message, time) VALUES (?, ?, ?, ?, ?)`,
		turn.GroupID, turn.UserID, turn.Role, turn.Message, formatTime(turn.Time))
	if err != nil {
		return fmt.Errorf("inserting conversation turn: %w", err)
	}
	turn.ID, _ = res.LastInsertId()
	return nil
}

// RecentTurns returns the newest limit turns between a user and the bot
// in a group (group 0 for private chats), oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, groupID, userID int64, limit int) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, user_id, role, message, time FROM conversations
		WHERE group_id = ? AND user_id = ?
		ORDER BY time DESC, id DESC
		LIMIT ?
	`, groupID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var turn Turn
		var timeStr string
		if err := rows.Scan(&turn.ID, &turn.GroupID, &turn.UserID, &turn.Role, &turn.Message, &timeStr); err != nil {
			return nil, fmt.Errorf("scanning conversation turn: %w", err)
		}
		turn.Time, err = time.Parse(timeLayout, timeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing turn time: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation: %w", err)
	}

	slices.Reverse(turns)
	return turns, nil
}

var _ Store = (*SQLiteStore)(nil)
