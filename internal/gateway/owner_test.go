package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/dispatch"
	"github.com/KafClaw/chatgate/internal/features"
	"github.com/KafClaw/chatgate/internal/toggle"
)

type outbox struct {
	mu   sync.Mutex
	msgs []*bus.OutboundMessage
}

func (o *outbox) PublishOutbound(ctx context.Context, msg *bus.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) take() []*bus.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}

func TestOwnerReceivesRuntimeErrors(t *testing.T) {
	owner := &outbox{}
	reporter := NewOwnerReporter(owner, "slack", "D-OWNER")
	sink := &memorySink{}
	store := toggle.NewStore(toggle.DefaultOptions())
	sel := dispatch.Selector{Plain: []dispatch.Route{
		{Feature: "fix", Handler: func(ctx context.Context, evt *bus.InboundMessage) error { return errors.New("boom") }},
	}}
	gw := New(&captureReplier{}, features.NewAdmin(features.Default(), store), sel,
		dispatch.NewEngine(store, time.Second), audit.NewRecorder(audit.MultiSink{sink, reporter}, time.Second))
	ctx := context.Background()

	gw.Handle(ctx, event("broken ("))
	msgs := owner.take()
	if len(msgs) != 1 {
		t.Fatalf("expected one owner report, got %d", len(msgs))
	}
	if msgs[0].Channel != "slack" || msgs[0].ChatID != "D-OWNER" {
		t.Fatalf("report sent to %s/%s", msgs[0].Channel, msgs[0].ChatID)
	}
	for _, want := range []string{"chat -1001", "user 42", "message: broken (", "error: boom"} {
		if !strings.Contains(msgs[0].Content, want) {
			t.Errorf("report %q missing %q", msgs[0].Content, want)
		}
	}

	// Command errors are the user's problem, not the owner's.
	gw.Handle(ctx, event("/enable nope"))
	if got := owner.take(); len(got) != 0 {
		t.Fatalf("cmd errors must not be reported: %v", got[0].Content)
	}
	if n := sink.len(); n != 2 {
		t.Fatalf("expected 2 audit records, got %d", n)
	}
}

func TestOwnerReporterJobAndToggleFailures(t *testing.T) {
	owner := &outbox{}
	reporter := NewOwnerReporter(owner, "webhook", "ops")

	reporter.JobFailed(context.Background(), "audit-retention", errors.New("db locked"))
	reporter.BatchDropped(3, errors.New("disk full"))
	msgs := owner.take()
	if len(msgs) != 2 {
		t.Fatalf("expected two reports, got %d", len(msgs))
	}
	if msgs[0].Content != "scheduled job audit-retention failed: db locked" {
		t.Errorf("job report = %q", msgs[0].Content)
	}
	if msgs[1].Content != "3 toggle changes were not persisted: disk full" {
		t.Errorf("toggle report = %q", msgs[1].Content)
	}
}

func TestOwnerReporterDisabled(t *testing.T) {
	r := NewOwnerReporter(&outbox{}, "", "")
	if r != nil {
		t.Fatal("reporter without an owner chat must be nil")
	}
	r.JobFailed(context.Background(), "x", errors.New("y"))
	r.BatchDropped(1, errors.New("y"))
	if err := r.WriteAuditRecord(context.Background(), audit.Record{Status: audit.StatusRuntimeError}, audit.User{}, audit.Group{}); err != nil {
		t.Fatal(err)
	}
}
