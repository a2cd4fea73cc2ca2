// Package audit keeps a trail of every command dispatched to the agent.
//
// Commands such as reboot or shutdown act on the host with no confirmation
// step, so each invocation is recorded with who asked, from where and how
// it ended. Recording never blocks or fails a command.
package audit

import (
	"context"
	"fmt"
	"time"
)

// Outcomes of a dispatched command.
const (
	OutcomeOK     = "ok"
	OutcomeUsage  = "usage"
	OutcomeFailed = "failed"
	OutcomePanic  = "panic"
)

// Entry is one recorded command invocation.
type Entry struct {
	ID          int64     `json:"id"`
	At          time.Time `json:"at"`
	Source      string    `json:"source"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	Command     string    `json:"command"`
	Args        string    `json:"args,omitempty"`
	Outcome     string    `json:"outcome"`
	Destructive bool      `json:"destructive"`
	Error       string    `json:"error,omitempty"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open returns the recorder for driver: "sqlite" (dsn is a file path),
// "postgres" (dsn is a connection URL) or "none".
func Open(ctx context.Context, driver, dsn string) (Recorder, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", driver)
	}
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error          { return nil }
func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                                 { return nil }

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// normalizeLimit maps a non-positive limit to the default and caps the rest.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
