package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres records entries in a shared Postgres database, for fleets of
// agents reporting to one place.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and creates the table.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, fmt.Errorf("audit postgres url is empty")
	}
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          BIGSERIAL PRIMARY KEY,
			at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			source      TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			command     TEXT NOT NULL,
			args        TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			destructive BOOLEAN NOT NULL DEFAULT false,
			error       TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	slog.Info("audit log opened", "driver", "postgres")
	return &Postgres{pool: pool}, nil
}

// Record inserts e. A zero At is set to now.
func (p *Postgres) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (at, source, chat_id, sender_id, command, args, outcome, destructive, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.At, e.Source, e.ChatID, e.SenderID, e.Command, e.Args, e.Outcome, e.Destructive, e.Error,
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, at, source, chat_id, sender_id, command, args, outcome, destructive, error
		 FROM audit_log ORDER BY id DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.At, &e.Source, &e.ChatID, &e.SenderID, &e.Command,
			&e.Args, &e.Outcome, &e.Destructive, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
