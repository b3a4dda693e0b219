package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/toggle"
)

// SQLite is the default single-file backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for databases created before tracing was recorded.
	_, _ = db.Exec(`ALTER TABLE bot_logs ADD COLUMN trace_id TEXT NOT NULL DEFAULT ''`)
	return &SQLite{db: db}, nil
}

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	return s.db.Close()
}

// WriteToggleBatch upserts all states in one transaction.
func (s *SQLite) WriteToggleBatch(ctx context.Context, batch map[toggle.Key]bool) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_toggles (chat_scope, feature, enabled, updated_at) VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(chat_scope, feature) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, enabled := range batch {
		if _, err := stmt.ExecContext(ctx, k.ChatScope, k.Feature, enabled); err != nil {
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LoadToggles returns every stored toggle state.
func (s *SQLite) LoadToggles(ctx context.Context) (map[toggle.Key]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_scope, feature, enabled FROM feature_toggles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[toggle.Key]bool)
	for rows.Next() {
		var k toggle.Key
		var enabled bool
		if err := rows.Scan(&k.ChatScope, &k.Feature, &enabled); err != nil {
			return nil, err
		}
		out[k] = enabled
	}
	return out, rows.Err()
}

// ListToggles returns the stored states of one chat keyed by feature.
func (s *SQLite) ListToggles(ctx context.Context, chatScope int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feature, enabled FROM feature_toggles WHERE chat_scope = ?`, chatScope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var feature string
		var enabled bool
		if err := rows.Scan(&feature, &enabled); err != nil {
			return nil, err
		}
		out[feature] = enabled
	}
	return out, rows.Err()
}

// WriteAuditRecord inserts the record and refreshes the user and group rows.
func (s *SQLite) WriteAuditRecord(ctx context.Context, rec audit.Record, user audit.User, group audit.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_logs (id, channel, group_id, user_id, message_id, ts_ms, msg_type, command, status, time_cost, error, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Channel,
		rec.ChatScope,
		rec.ActorID,
		rec.MessageID,
		rec.Timestamp.UnixMilli(),
		int(rec.Kind),
		nullString(rec.Command),
		int(rec.Status),
		rec.ElapsedMS,
		nullString(rec.Error),
		rec.TraceID,
	)
	if err != nil {
		return fmt.Errorf("insert bot log: %w", err)
	}

	if user.ID != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_users (user_id, username, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at
		`, user.ID, user.Username); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
	}
	if group.ID != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_groups (group_id, group_username, group_name, updated_at) VALUES (?, ?, ?, datetime('now'))
			ON CONFLICT(group_id) DO UPDATE SET group_username = excluded.group_username, group_name = excluded.group_name, updated_at = excluded.updated_at
		`, group.ID, group.Username, group.Title); err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}
	}
	return tx.Commit()
}

// ListAudit returns records matching filter, newest first.
func (s *SQLite) ListAudit(ctx context.Context, filter AuditFilter) ([]audit.Record, error) {
	query := `SELECT id, channel, group_id, user_id, message_id, ts_ms, msg_type, command, status, time_cost, error, trace_id FROM bot_logs WHERE 1=1`
	args := []any{}

	if filter.ChatScope != nil {
		query += " AND group_id = ?"
		args = append(args, *filter.ChatScope)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, int(*filter.Status))
	}
	if filter.Since != nil {
		query += " AND ts_ms >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	query += " ORDER BY ts_ms DESC, rowid DESC LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r       audit.Record
			tsMS    int64
			kind    int
			status  int
			command sql.NullString
			errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Channel, &r.ChatScope, &r.ActorID, &r.MessageID,
			&tsMS, &kind, &command, &status, &r.ElapsedMS, &errText, &r.TraceID); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(tsMS).UTC()
		r.Kind = bus.EventKind(kind)
		r.Status = audit.Status(status)
		if command.Valid {
			r.Command = &command.String
		}
		if errText.Valid {
			r.Error = &errText.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneAudit deletes records older than before and returns the count.
func (s *SQLite) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bot_logs WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordJobRun upserts the last run of a scheduler job.
func (s *SQLite) RecordJobRun(ctx context.Context, name, status string, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (job_name, last_status, last_run_ms, run_count, updated_at)
		VALUES (?, ?, ?, 1, datetime('now'))
		ON CONFLICT(job_name) DO UPDATE SET
			last_status = excluded.last_status,
			last_run_ms = excluded.last_run_ms,
			run_count = scheduled_jobs.run_count + 1,
			updated_at = datetime('now')`,
		name, status, runAt.UnixMilli())
	return err
}

// GetJobRun returns the last run of name, or nil when it never ran.
func (s *SQLite) GetJobRun(ctx context.Context, name string) (*JobRun, error) {
	var r JobRun
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT job_name, last_status, last_run_ms, run_count FROM scheduled_jobs WHERE job_name = ?`, name).
		Scan(&r.Name, &r.LastStatus, &ms, &r.RunCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.LastRunAt = time.UnixMilli(ms).UTC()
	return &r, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
