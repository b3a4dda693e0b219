// Package audit builds one record per inbound event and hands finished
// records to the persistence sinks.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/chatgate/internal/bus"
)

// Status is the aggregate outcome of one event. Values are stored as-is.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusCmdError
	StatusRuntimeError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCmdError:
		return "cmd_error"
	case StatusRuntimeError:
		return "runtime_error"
	default:
		return "unknown"
	}
}

// Record is one finalized audit entry.
type Record struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel,omitempty"`
	ChatScope int64         `json:"group_id"`
	ActorID   int64         `json:"user_id"`
	MessageID int64         `json:"message_id"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      bus.EventKind `json:"msg_type"`
	Command   *string       `json:"command,omitempty"`
	Status    Status        `json:"status"`
	ElapsedMS int64         `json:"time_cost"`
	Error     *string       `json:"error,omitempty"`
	TraceID   string        `json:"trace_id,omitempty"`
}

// User is the actor side document stored next to a record.
type User struct {
	ID       int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Group is the chat side document stored next to a record.
type Group struct {
	ID       int64  `json:"group_id"`
	Username string `json:"group_username,omitempty"`
	Title    string `json:"group_name,omitempty"`
}

// UserFrom extracts the actor of evt.
func UserFrom(evt *bus.InboundMessage) User {
	return User{ID: evt.ActorID, Username: evt.ActorName}
}

// GroupFrom extracts the chat of evt.
func GroupFrom(evt *bus.InboundMessage) Group {
	return Group{ID: evt.ChatScope, Username: evt.ChatUsername, Title: evt.ChatTitle}
}

// Builder accumulates one record while the event is processed. It belongs to
// the goroutine handling the event and is not safe for concurrent use.
type Builder struct {
	rec   Record
	start time.Time
	final bool
}

// Begin stamps identity, start time and kind before any handler runs.
func Begin(evt *bus.InboundMessage, sigil rune) *Builder {
	now := time.Now()
	return &Builder{
		start: now,
		rec: Record{
			ID:        uuid.NewString(),
			Channel:   evt.Channel,
			ChatScope: evt.ChatScope,
			ActorID:   evt.ActorID,
			MessageID: evt.MessageID,
			Timestamp: now.UTC(),
			Kind:      evt.Classify(sigil),
			Status:    StatusSuccess,
			TraceID:   evt.TraceID,
		},
	}
}

// SetStatus replaces the aggregate status.
func (b *Builder) SetStatus(s Status) {
	if b.final {
		return
	}
	b.rec.Status = s
}

// SetCommand records the command text.
func (b *Builder) SetCommand(cmd string) {
	if b.final {
		return
	}
	b.rec.Command = &cmd
}

// SetError records the merged error text.
func (b *Builder) SetError(msg string) {
	if b.final {
		return
	}
	b.rec.Error = &msg
}

// Finalized reports whether Finalize has run.
func (b *Builder) Finalized() bool { return b.final }

// Finalize computes the elapsed time once and returns the record. Later calls
// return the same record with first == false.
func (b *Builder) Finalize() (rec Record, first bool) {
	if b.final {
		return b.rec, false
	}
	elapsed := time.Since(b.start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.rec.ElapsedMS = elapsed
	b.final = true
	return b.rec, true
}
