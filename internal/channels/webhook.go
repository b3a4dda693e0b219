package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/chatgate/internal/bus"
)

const maxOutbox = 100

// WebhookChannel accepts events over HTTP. Replies are held per chat until
// the caller collects them with GET.
type WebhookChannel struct {
	BaseChannel
	sigil rune

	mu     sync.Mutex
	outbox map[string]*pending
	now    func() time.Time
}

type pending struct {
	msgs    []*bus.OutboundMessage
	updated time.Time
}

func NewWebhookChannel(messageBus *bus.MessageBus, sigil rune) *WebhookChannel {
	return &WebhookChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		sigil:       sigil,
		outbox:      make(map[string]*pending),
		now:         time.Now,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Start(ctx context.Context) error {
	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		_ = c.Send(ctx, msg)
	})
	return nil
}

func (c *WebhookChannel) Stop() error { return nil }

func (c *WebhookChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.outbox[msg.ChatID]
	if !ok {
		p = &pending{}
		c.outbox[msg.ChatID] = p
	}
	p.msgs = append(p.msgs, msg)
	if len(p.msgs) > maxOutbox {
		p.msgs = p.msgs[len(p.msgs)-maxOutbox:]
	}
	p.updated = c.now()
	return nil
}

// Drain returns and clears the pending replies for chatID.
func (c *WebhookChannel) Drain(chatID string) []*bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.outbox[chatID]
	if !ok {
		return nil
	}
	delete(c.outbox, chatID)
	return p.msgs
}

// PruneIdle discards outboxes nobody has collected since before.
func (c *WebhookChannel) PruneIdle(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for chatID, p := range c.outbox {
		if p.updated.Before(before) {
			delete(c.outbox, chatID)
			n++
		}
	}
	return n
}

// ServeHTTP handles POST (publish an event) and GET ?chat_id= (collect replies).
func (c *WebhookChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var msg bus.InboundMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(msg.ChatID) == "" {
			http.Error(w, "chat_id required", http.StatusBadRequest)
			return
		}
		msg.Channel = c.Name()
		if msg.ChatScope == 0 {
			msg.ChatScope = ScopeFor(c.Name(), msg.ChatID)
		}
		msg.Kind = msg.Classify(c.sigil)
		if err := c.Bus.PublishInbound(r.Context(), &msg); err != nil {
			http.Error(w, "gateway busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case http.MethodGet:
		chatID := strings.TrimSpace(r.URL.Query().Get("chat_id"))
		if chatID == "" {
			http.Error(w, "chat_id required", http.StatusBadRequest)
			return
		}
		replies := c.Drain(chatID)
		if replies == nil {
			replies = []*bus.OutboundMessage{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replies)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
