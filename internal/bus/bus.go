// Package bus provides the async message bus between chat channels and the gateway.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// EventKind classifies an inbound event. The numeric values are stored in
// audit records and must stay stable.
type EventKind uint8

const (
	KindCommand EventKind = iota
	KindText
	KindCallback
)

func (k EventKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindText:
		return "text"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// DefaultSigil is the first character that marks a command.
const DefaultSigil = '/'

// InboundMessage is one chat event normalized by a channel.
type InboundMessage struct {
	Channel      string         `json:"channel"`
	ChatID       string         `json:"chat_id"`    // native chat identifier, used for replies
	ChatScope    int64          `json:"chat_scope"` // toggle and audit scope
	ChatTitle    string         `json:"chat_title,omitempty"`
	ChatUsername string         `json:"chat_username,omitempty"`
	ActorID      int64          `json:"actor_id"`
	ActorName    string         `json:"actor_name,omitempty"`
	Kind         EventKind      `json:"kind"`
	Text         string         `json:"text,omitempty"`
	MessageID    int64          `json:"message_id,omitempty"`
	CallbackData string         `json:"callback_data,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// HasText reports whether the event carries a text payload.
func (m *InboundMessage) HasText() bool {
	return m.Text != ""
}

// IsCommand reports whether the text payload starts with sigil.
func (m *InboundMessage) IsCommand(sigil rune) bool {
	return IsCommandText(m.Text, sigil)
}

// Classify returns the event kind. Callback events keep their kind; messages
// are commands when the text starts with sigil and plain text otherwise.
func (m *InboundMessage) Classify(sigil rune) EventKind {
	if m.Kind == KindCallback {
		return KindCallback
	}
	if m.IsCommand(sigil) {
		return KindCommand
	}
	return KindText
}

// IsCommandText inspects only the first character of text.
func IsCommandText(text string, sigil rune) bool {
	if text == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text)
	return r == sigil
}

// CommandName extracts the command word from text: "/ping@bot extra" -> "ping".
// Returns "" when text is not a command.
func CommandName(text string, sigil rune) string {
	if !IsCommandText(text, sigil) {
		return ""
	}
	word := strings.Fields(text[utf8.RuneLen(sigil):])
	if len(word) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(word[0], "@")
	return strings.ToLower(name)
}

// CommandArgs returns the words following the command word.
func CommandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}

// OutboundMessage is a reply from the gateway to a channel.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	ChatScope int64  `json:"chat_scope"`
	ReplyToID int64  `json:"reply_to_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Content   string `json:"content"`
}

// Reply builds an outbound message answering m on the same channel and chat.
func (m *InboundMessage) Reply(content string) *OutboundMessage {
	return &OutboundMessage{
		Channel:   m.Channel,
		ChatID:    m.ChatID,
		ChatScope: m.ChatScope,
		ReplyToID: m.MessageID,
		TraceID:   m.TraceID,
		Content:   content,
	}
}

// MessageBus decouples channels from the gateway.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a bus whose queues hold size messages each.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 100
	}
	return &MessageBus{
		inbound:  make(chan *InboundMessage, size),
		outbound: make(chan *OutboundMessage, size),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound sends an event from a channel to the gateway. It blocks while
// the inbound queue is full, until ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a reply for channel delivery.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg *OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback for outbound messages to a specific channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound message dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
