package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          TEXT    NOT NULL,
	source      TEXT    NOT NULL,
	chat_id     TEXT    NOT NULL,
	sender_id   TEXT    NOT NULL,
	command     TEXT    NOT NULL,
	args        TEXT    NOT NULL DEFAULT '',
	outcome     TEXT    NOT NULL,
	destructive INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at);
`

const timeLayout = "2006-01-02 15:04:05.000"

// SQLite records entries in a local SQLite file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("audit sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
		}
	}

	// WAL for concurrent reads while the dispatcher writes
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	slog.Info("audit log opened", "driver", "sqlite", "path", path)
	return &SQLite{db: db, path: path}, nil
}

// Record inserts e. A zero At is set to now.
func (s *SQLite) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (at, source, chat_id, sender_id, command, args, outcome, destructive, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format(timeLayout), e.Source, e.ChatID, e.SenderID, e.Command, e.Args,
		e.Outcome, e.Destructive, e.Error,
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, source, chat_id, sender_id, command, args, outcome, destructive, error
		 FROM audit_log ORDER BY id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Source, &e.ChatID, &e.SenderID, &e.Command,
			&e.Args, &e.Outcome, &e.Destructive, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.At, _ = time.Parse(timeLayout, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
