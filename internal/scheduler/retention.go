package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// RetentionJobName names the built-in audit pruning job.
const RetentionJobName = "audit-retention"

// AuditPruner deletes audit records older than a cutoff.
type AuditPruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob prunes audit records older than days. now is injectable for
// tests; nil means time.Now.
func RetentionJob(p AuditPruner, cron *CronExpr, days int, now func() time.Time) *Job {
	if now == nil {
		now = time.Now
	}
	return &Job{
		Name:     RetentionJobName,
		Cron:     cron,
		Category: CategoryMaintenance,
		Run: func(ctx context.Context) error {
			cutoff := now().AddDate(0, 0, -days)
			n, err := p.PruneAudit(ctx, cutoff)
			if err != nil {
				return err
			}
			slog.Info("Audit records pruned", "deleted", n, "before", cutoff.Format(time.RFC3339))
			return nil
		},
	}
}

// IdlePruneJobName names the built-in job that forgets idle per-chat state.
const IdlePruneJobName = "idle-state-prune"

// IdlePruner forgets in-memory state not touched since before.
type IdlePruner interface {
	PruneIdle(before time.Time) int
}

// IdlePruneJob drops per-chat state idle for longer than ttl from every
// pruner. now is injectable for tests; nil means time.Now.
func IdlePruneJob(cron *CronExpr, ttl time.Duration, now func() time.Time, pruners ...IdlePruner) *Job {
	if now == nil {
		now = time.Now
	}
	return &Job{
		Name:     IdlePruneJobName,
		Cron:     cron,
		Category: CategoryDefault,
		Run: func(ctx context.Context) error {
			cutoff := now().Add(-ttl)
			n := 0
			for _, p := range pruners {
				n += p.PruneIdle(cutoff)
			}
			if n > 0 {
				slog.Debug("Idle chat state pruned", "chats", n, "before", cutoff.Format(time.RFC3339))
			}
			return nil
		},
	}
}
