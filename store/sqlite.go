package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobmatnyc/sessiond/session"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with fixed nanosecond width. Fixed width keeps
// lexicographic comparison of stored timestamps chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists sessions in a SQLite database using WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		engine_id        TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		working_dir      TEXT NOT NULL DEFAULT '',
		branched_from    TEXT NOT NULL DEFAULT '',
		started_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		message_count    INTEGER NOT NULL DEFAULT 0,
		last_output      TEXT NOT NULL DEFAULT '',
		last_error       TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Put(sess *session.Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, engine_id, status, working_dir, branched_from,
			started_at, last_activity_at, message_count, last_output, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			engine_id=excluded.engine_id,
			status=excluded.status,
			working_dir=excluded.working_dir,
			branched_from=excluded.branched_from,
			started_at=excluded.started_at,
			last_activity_at=excluded.last_activity_at,
			message_count=excluded.message_count,
			last_output=excluded.last_output,
			last_error=excluded.last_error`,
		sess.ID, sess.EngineID, string(sess.Status), sess.WorkingDir, sess.BranchedFrom,
		encodeTime(sess.StartedAt), encodeTime(sess.LastActivityAt),
		sess.MessageCount, sess.LastOutput, sess.LastError,
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*session.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, engine_id, status, working_dir, branched_from,
			started_at, last_activity_at, message_count, last_output, last_error
		FROM sessions WHERE id=?`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &session.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Rekey(oldID, newID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var taken int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sessions WHERE id=?", newID).Scan(&taken); err != nil {
		return fmt.Errorf("rekey session: %w", err)
	}
	if taken > 0 {
		return fmt.Errorf("rekey session: id %s already exists", newID)
	}

	res, err := tx.Exec("UPDATE sessions SET id=? WHERE id=?", newID, oldID)
	if err != nil {
		return fmt.Errorf("rekey session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &session.NotFoundError{ID: oldID}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &session.NotFoundError{ID: id}
	}
	return nil
}

func (s *SQLiteStore) List(filter session.Status) ([]*session.Session, error) {
	query := `
		SELECT id, engine_id, status, working_dir, branched_from,
			started_at, last_activity_at, message_count, last_output, last_error
		FROM sessions`
	var args []any
	if filter != "" {
		query += " WHERE status=?"
		args = append(args, string(filter))
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneTerminated(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM sessions WHERE status NOT IN (?, ?) AND last_activity_at < ?",
		string(session.StatusStarting), string(session.StatusActive), encodeTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return int(n), nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess       session.Session
		status     string
		startedAt  string
		activityAt string
	)
	err := row.Scan(&sess.ID, &sess.EngineID, &status, &sess.WorkingDir, &sess.BranchedFrom,
		&startedAt, &activityAt, &sess.MessageCount, &sess.LastOutput, &sess.LastError)
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	if sess.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.LastActivityAt, err = decodeTime(activityAt); err != nil {
		return nil, fmt.Errorf("parse last_activity_at: %w", err)
	}
	return &sess, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
