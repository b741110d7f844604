package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore SQLite implementation of Durable
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, path: dbPath}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database tables: %w", err)
	}

	return store, nil
}

// initTables initializes database tables
func (s *SQLiteStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		// Working and long-term records; short-term never reaches disk
		`CREATE TABLE IF NOT EXISTS memories (
			tier TEXT NOT NULL,
			id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			importance REAL NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			PRIMARY KEY (tier, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(tier, workspace_id, session_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %s, error: %w", query, err)
		}
	}

	return nil
}

// EnsureWorkspace registers a workspace if it is new
func (s *SQLiteStore) EnsureWorkspace(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO workspaces (id, created_at) VALUES (?, ?)",
		id, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure workspace: %w", err)
	}
	return nil
}

// WorkspaceExists reports whether the workspace is registered
func (s *SQLiteStore) WorkspaceExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM workspaces WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query workspace: %w", err)
	}
	return n > 0, nil
}

// CreateSession inserts a session row
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, workspace_id, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.WorkspaceID, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession gets session info
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess             Session
		created, updated int64
		ended            sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, workspace_id, created_at, updated_at, ended_at FROM sessions WHERE id = ?",
		id,
	).Scan(&sess.ID, &sess.WorkspaceID, &created, &updated, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// EndSession marks an open session ended; false when it is missing or
// already ended
func (s *SQLiteStore) EndSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, updated_at = ? WHERE id = ? AND ended_at IS NULL",
		at.UnixNano(), at.UnixNano(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}
	return affected(res)
}

// CountSessions counts sessions, optionally limited to a workspace
func (s *SQLiteStore) CountSessions(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sessions WHERE (? = '' OR workspace_id = ?)",
		workspaceID, workspaceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// AppendTurn saves a transcript turn and touches the session
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		turn.SessionID, turn.Role, turn.Content, turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	if turn.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read turn id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		turn.CreatedAt.UnixNano(), turn.SessionID,
	); err != nil {
		return fmt.Errorf("failed to update session time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

// ListTurns returns the latest limit turns in chronological order; limit <= 0 returns all
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM turns
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			created int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.CreatedAt = time.Unix(0, created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// CountTurns counts transcript turns within scope
func (s *SQLiteStore) CountTurns(ctx context.Context, scope Scope) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM turns t JOIN sessions s ON s.id = t.session_id
		 WHERE (? = '' OR s.workspace_id = ?) AND (? = '' OR t.session_id = ?)`,
		scope.WorkspaceID, scope.WorkspaceID, scope.SessionID, scope.SessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

const recordColumns = `tier, id, workspace_id, session_id, content, tags, importance,
	pinned, access_count, created_at, last_accessed_at`

// InsertRecord saves a working or long-term record
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *Record) error {
	if err := insertRecord(ctx, s.db, rec); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec *Record) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO memories ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		string(rec.Tier), rec.ID, rec.Scope.WorkspaceID, rec.Scope.SessionID, rec.Content,
		string(tags), rec.Importance, rec.Pinned, rec.AccessCount,
		rec.CreatedAt.UnixNano(), rec.LastAccessedAt.UnixNano(),
	)
	return err
}

// GetRecord loads one record
func (s *SQLiteStore) GetRecord(ctx context.Context, ref Ref) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM memories WHERE tier = ? AND id = ?",
		string(ref.Tier), ref.ID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// ListRecords lists records of a tier within scope, oldest first
func (s *SQLiteStore) ListRecords(ctx context.Context, tier Tier, scope Scope) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+` FROM memories
		 WHERE tier = ? AND (? = '' OR workspace_id = ?) AND (? = '' OR session_id = ?)
		 ORDER BY created_at ASC, id ASC`,
		string(tier), scope.WorkspaceID, scope.WorkspaceID, scope.SessionID, scope.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// UpdateAccess increments access_count and moves last_accessed_at forward only
func (s *SQLiteStore) UpdateAccess(ctx context.Context, ref Ref, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1,
		 last_accessed_at = MAX(last_accessed_at, ?)
		 WHERE tier = ? AND id = ?`,
		at.UnixNano(), string(ref.Tier), ref.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update access: %w", err)
	}
	return affected(res)
}

// SetPinned pins or unpins a working record
func (s *SQLiteStore) SetPinned(ctx context.Context, id string, pinned bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET pinned = ? WHERE tier = ? AND id = ?",
		pinned, string(TierWorking), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update pin: %w", err)
	}
	return affected(res)
}

// DeleteRecord deletes one record
func (s *SQLiteStore) DeleteRecord(ctx context.Context, ref Ref) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE tier = ? AND id = ?",
		string(ref.Tier), ref.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	return affected(res)
}

// MoveRecord atomically replaces from with to
func (s *SQLiteStore) MoveRecord(ctx context.Context, from Ref, to *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM memories WHERE tier = ? AND id = ?",
		string(from.Tier), from.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("record %s/%s disappeared during move", from.Tier, from.ID)
	}

	if err := insertRecord(ctx, tx, to); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit move: %w", err)
	}
	return nil
}

// ReplaceRecords deletes the evicted records and inserts rec in one
// transaction
func (s *SQLiteStore) ReplaceRecords(ctx context.Context, evict []Ref, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ref := range evict {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM memories WHERE tier = ? AND id = ?",
			string(ref.Tier), ref.ID,
		); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	return nil
}

// SizeBytes returns the size of the database file and its WAL
func (s *SQLiteStore) SizeBytes() (int64, error) {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to stat database: %w", err)
		}
		total += info.Size()
	}
	return total, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec               Record
		tier, tags        string
		created, accessed int64
	)
	if err := row.Scan(
		&tier, &rec.ID, &rec.Scope.WorkspaceID, &rec.Scope.SessionID, &rec.Content,
		&tags, &rec.Importance, &rec.Pinned, &rec.AccessCount, &created, &accessed,
	); err != nil {
		return nil, err
	}
	rec.Tier = Tier(tier)
	rec.CreatedAt = time.Unix(0, created)
	rec.LastAccessedAt = time.Unix(0, accessed)
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return &rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
