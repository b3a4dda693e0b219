package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/chatgate/internal/bus"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	users   []User
	groups  []Group
	err     error
}

func (s *memorySink) WriteAuditRecord(ctx context.Context, rec Record, user User, group Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	s.users = append(s.users, user)
	s.groups = append(s.groups, group)
	return nil
}

func TestBeginClassifiesEvents(t *testing.T) {
	tests := []struct {
		evt  bus.InboundMessage
		want bus.EventKind
	}{
		{bus.InboundMessage{Text: "/id"}, bus.KindCommand},
		{bus.InboundMessage{Text: "hello"}, bus.KindText},
		{bus.InboundMessage{Kind: bus.KindCallback, CallbackData: "x"}, bus.KindCallback},
	}
	for _, tt := range tests {
		b := Begin(&tt.evt, bus.DefaultSigil)
		rec, _ := b.Finalize()
		if rec.Kind != tt.want {
			t.Errorf("kind for %+v = %v, want %v", tt.evt, rec.Kind, tt.want)
		}
	}
}

func TestBuilderMutationsAndFinalize(t *testing.T) {
	evt := &bus.InboundMessage{Channel: "slack", ChatScope: 200, ActorID: 9, MessageID: 44, Text: "/guozao"}
	b := Begin(evt, bus.DefaultSigil)
	b.SetStatus(StatusCmdError)
	b.SetStatus(StatusRuntimeError)
	b.SetCommand("/guozao")
	b.SetError("rate limited")
	time.Sleep(5 * time.Millisecond)

	rec, first := b.Finalize()
	if !first || !b.Finalized() {
		t.Fatal("first Finalize should report first=true")
	}
	if rec.ID == "" || rec.ChatScope != 200 || rec.ActorID != 9 || rec.MessageID != 44 || rec.Channel != "slack" {
		t.Fatalf("identity not captured: %+v", rec)
	}
	if rec.Status != StatusRuntimeError {
		t.Fatalf("last status should win, got %v", rec.Status)
	}
	if rec.Command == nil || *rec.Command != "/guozao" || rec.Error == nil || *rec.Error != "rate limited" {
		t.Fatalf("command/error not set: %+v", rec)
	}
	if rec.ElapsedMS < 5 {
		t.Fatalf("elapsed should cover the sleep, got %d", rec.ElapsedMS)
	}

	b.SetStatus(StatusSuccess)
	again, first := b.Finalize()
	if first {
		t.Fatal("second Finalize must report first=false")
	}
	if again.Status != StatusRuntimeError || again.ElapsedMS != rec.ElapsedMS || again.ID != rec.ID {
		t.Fatalf("second Finalize must return the same record: %+v vs %+v", again, rec)
	}
}

func TestElapsedNonNegativeWithoutHandlers(t *testing.T) {
	b := Begin(&bus.InboundMessage{Text: "hi"}, bus.DefaultSigil)
	rec, _ := b.Finalize()
	if rec.ElapsedMS < 0 || rec.Status != StatusSuccess || rec.Error != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRecorderCommitWritesOnce(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, time.Second)
	evt := &bus.InboundMessage{ChatScope: 1, ChatTitle: "devs", ActorID: 2, ActorName: "ann", Text: "x"}
	b := Begin(evt, bus.DefaultSigil)

	first := r.Commit(context.Background(), b, UserFrom(evt), GroupFrom(evt))
	second := r.Commit(context.Background(), b, UserFrom(evt), GroupFrom(evt))
	if first.ID != second.ID {
		t.Fatal("commit of a finalized builder must return the same record")
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 write, got %d", len(sink.records))
	}
	if sink.users[0].Username != "ann" || sink.groups[0].Title != "devs" {
		t.Fatalf("side documents not passed: %+v %+v", sink.users[0], sink.groups[0])
	}
}

func TestRecorderSurvivesSinkFailure(t *testing.T) {
	r := NewRecorder(&memorySink{err: errors.New("mongo down")}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancellation of the event must not prevent the write attempt
	rec := r.Commit(ctx, Begin(&bus.InboundMessage{}, bus.DefaultSigil), User{}, Group{})
	if rec.ID == "" {
		t.Fatal("record should still be returned")
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	good := &memorySink{}
	bad := &memorySink{err: errors.New("kafka down")}
	var calls int
	counter := SinkFunc(func(ctx context.Context, rec Record, user User, group Group) error {
		calls++
		return nil
	})
	m := MultiSink{bad, nil, good, counter}
	err := m.WriteAuditRecord(context.Background(), Record{ID: "r1"}, User{}, Group{})
	if err == nil || err.Error() != "kafka down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(good.records) != 1 || calls != 1 {
		t.Fatal("healthy sinks must still receive the record")
	}
}
