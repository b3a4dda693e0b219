package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/bus"
)

// OwnerReporter sends runtime errors to the bot owner's chat. It is an
// audit.Sink that reacts to RuntimeError records only; scheduler and toggle
// worker failures reach it through JobFailed and BatchDropped.
type OwnerReporter struct {
	out     Replier
	channel string
	chatID  string
}

// NewOwnerReporter returns nil when no owner chat is configured. A nil
// reporter is safe to call.
func NewOwnerReporter(out Replier, channel, chatID string) *OwnerReporter {
	if out == nil || channel == "" || chatID == "" {
		return nil
	}
	return &OwnerReporter{out: out, channel: channel, chatID: chatID}
}

// WriteAuditRecord reports records that ended in a runtime error. It never
// fails the audit fan-out.
func (r *OwnerReporter) WriteAuditRecord(ctx context.Context, rec audit.Record, user audit.User, group audit.Group) error {
	if r == nil || rec.Status != audit.StatusRuntimeError {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "runtime error in chat %d", rec.ChatScope)
	if group.Title != "" {
		fmt.Fprintf(&sb, " (%s)", group.Title)
	}
	fmt.Fprintf(&sb, ", user %d", rec.ActorID)
	if rec.Command != nil {
		fmt.Fprintf(&sb, "\nmessage: %s", *rec.Command)
	}
	if rec.Error != nil {
		fmt.Fprintf(&sb, "\nerror: %s", *rec.Error)
	}
	r.send(ctx, sb.String())
	return nil
}

// JobFailed reports a failed scheduler run.
func (r *OwnerReporter) JobFailed(ctx context.Context, job string, err error) {
	if r == nil {
		return
	}
	r.send(ctx, fmt.Sprintf("scheduled job %s failed: %v", job, err))
}

// BatchDropped reports toggle changes that never reached storage.
func (r *OwnerReporter) BatchDropped(keys int, err error) {
	if r == nil {
		return
	}
	r.send(context.Background(), fmt.Sprintf("%d toggle changes were not persisted: %v", keys, err))
}

func (r *OwnerReporter) send(ctx context.Context, content string) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	msg := &bus.OutboundMessage{Channel: r.channel, ChatID: r.chatID, Content: content}
	if err := r.out.PublishOutbound(ctx, msg); err != nil {
		slog.Warn("Owner report dropped", "channel", r.channel, "error", err)
	}
}
