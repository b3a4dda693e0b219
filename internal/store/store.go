// Package store persists toggle states, audit records and their user/group
// side documents, and scheduler job runs. SQLite is the default backend;
// MongoDB keeps the msg_ctx/bot_log/user/group document layout.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/toggle"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Store is implemented by every backend.
type Store interface {
	toggle.Writer
	toggle.Loader
	audit.Sink

	ListToggles(ctx context.Context, chatScope int64) (map[string]bool, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]audit.Record, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	RecordJobRun(ctx context.Context, name, status string, runAt time.Time) error
	GetJobRun(ctx context.Context, name string) (*JobRun, error)
	Close() error
}

// AuditFilter narrows ListAudit. Results are newest first.
type AuditFilter struct {
	ChatScope *int64
	Status    *audit.Status
	Since     *time.Time
	Limit     int
}

// JobRun is the last recorded run of a scheduler job.
type JobRun struct {
	Name       string    `json:"job_name"`
	LastStatus string    `json:"last_status"`
	LastRunAt  time.Time `json:"last_run_at"`
	RunCount   int64     `json:"run_count"`
}

// Options selects and configures a backend.
type Options struct {
	Driver   string
	Path     string // sqlite database file
	URI      string // mongo connection string
	Database string // mongo database name
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		s, err := NewSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMongo:
		m, err := NewMongo(ctx, opts.URI, opts.Database)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}
