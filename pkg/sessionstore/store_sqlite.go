package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite session store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
		  session_id TEXT PRIMARY KEY,
		  state TEXT NOT NULL,
		  reason TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  paired_at_ms INTEGER NOT NULL DEFAULT 0,
		  transitions INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_updated
		  ON sessions(updated_at_ms DESC, session_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, record SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record, err := normalizeRecord(record)
	if err != nil {
		return errors.Wrap(err, "sqlite session store")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, state, reason, created_at_ms, updated_at_ms, paired_at_ms, transitions
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			created_at_ms = excluded.created_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			paired_at_ms = excluded.paired_at_ms,
			transitions = excluded.transitions
	`, record.SessionID, record.State, record.Reason, record.CreatedAtMs, record.UpdatedAtMs, record.PairedAtMs, record.Transitions)
	if err != nil {
		return errors.Wrap(err, "sqlite session store: upsert")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, errors.New("sqlite session store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("sqlite session store: session id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var r SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, state, reason, created_at_ms, updated_at_ms, paired_at_ms, transitions
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(&r.SessionID, &r.State, &r.Reason, &r.CreatedAtMs, &r.UpdatedAtMs, &r.PairedAtMs, &r.Transitions)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "sqlite session store: get")
	}
	return r, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite session store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT session_id, state, reason, created_at_ms, updated_at_ms, paired_at_ms, transitions
		FROM sessions
	`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE updated_at_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY updated_at_ms DESC, session_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: list")
	}
	defer func() { _ = rows.Close() }()

	records := make([]SessionRecord, 0, limit)
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.SessionID, &r.State, &r.Reason, &r.CreatedAtMs, &r.UpdatedAtMs, &r.PairedAtMs, &r.Transitions); err != nil {
			return nil, errors.Wrap(err, "sqlite session store: scan")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite session store: list rows")
	}
	return records, nil
}
