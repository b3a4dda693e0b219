package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sink persists finalized records.
type Sink interface {
	WriteAuditRecord(ctx context.Context, rec Record, user User, group Group) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record, user User, group Group) error

func (f SinkFunc) WriteAuditRecord(ctx context.Context, rec Record, user User, group Group) error {
	return f(ctx, rec, user, group)
}

// MultiSink writes to every sink; one failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) WriteAuditRecord(ctx context.Context, rec Record, user User, group Group) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteAuditRecord(ctx, rec, user, group); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder finalizes builders and hands records to a sink. Write failures
// are logged and never surface to the caller.
type Recorder struct {
	sink    Sink
	timeout time.Duration
}

// NewRecorder creates a recorder. timeout bounds a single sink write.
func NewRecorder(sink Sink, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{sink: sink, timeout: timeout}
}

// Commit finalizes b and writes the record once. Committing an already
// finalized builder returns the earlier record without writing again.
func (r *Recorder) Commit(ctx context.Context, b *Builder, user User, group Group) Record {
	rec, first := b.Finalize()
	if !first || r.sink == nil {
		return rec
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.WriteAuditRecord(writeCtx, rec, user, group); err != nil {
		slog.Warn("Audit record write failed", "id", rec.ID, "chat_scope", rec.ChatScope, "error", err)
	}
	return rec
}
