// Package handlers implements the built-in feature handlers. Each handler
// inspects one event and optionally replies through the outbound bus.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/dispatch"
)

// Replier delivers a handler's reply. *bus.MessageBus implements it.
type Replier interface {
	PublishOutbound(ctx context.Context, msg *bus.OutboundMessage) error
}

// Options tunes the handler set.
type Options struct {
	// Sigil starts a command; defaults to bus.DefaultSigil.
	Sigil rune
	// HTTPClient resolves b23.tv short links. Redirects are never followed.
	HTTPClient *http.Client
	// GuozaoCooldown is the minimum interval between two /guozao answers in
	// one chat.
	GuozaoCooldown time.Duration
	// Now is the clock used by ping; defaults to time.Now.
	Now func() time.Time
}

// Set owns the per-handler state shared across events.
type Set struct {
	out    Replier
	opts   Options
	repeat *repeatTracker
	guozao *cooldowns
	b23    *linkCleaner
}

// New builds the handler set.
func New(out Replier, opts Options) *Set {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.GuozaoCooldown <= 0 {
		opts.GuozaoCooldown = 30 * time.Second
	}
	if opts.Sigil == 0 {
		opts.Sigil = bus.DefaultSigil
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Set{
		out:    out,
		opts:   opts,
		repeat: newRepeatTracker(),
		guozao: newCooldowns(opts.GuozaoCooldown),
		b23:    newLinkCleaner(opts.HTTPClient),
	}
}

// Selector returns the plain-text and command sets in dispatch order.
func (s *Set) Selector() dispatch.Selector {
	return dispatch.Selector{
		Sigil: s.opts.Sigil,
		Plain: []dispatch.Route{
			{Feature: "fix", Handler: s.Fix},
			{Feature: "six", Handler: s.Six},
			{Feature: "repeat", Handler: s.Repeat},
			{Feature: "fuck_b23", Handler: s.FuckB23},
		},
		Command: []dispatch.Route{
			{Feature: "guozao", Handler: s.Guozao},
			{Feature: "id", Handler: s.ID},
			{Feature: "ping", Handler: s.Ping},
		},
	}
}

// PruneIdle drops per-chat handler state not touched since before and
// returns how many chats were forgotten.
func (s *Set) PruneIdle(before time.Time) int {
	return s.repeat.prune(before) + s.guozao.prune(before)
}

func (s *Set) command(evt *bus.InboundMessage) string {
	return bus.CommandName(evt.Text, s.opts.Sigil)
}

func (s *Set) reply(ctx context.Context, evt *bus.InboundMessage, content string) error {
	if s.out == nil || content == "" {
		return nil
	}
	return s.out.PublishOutbound(ctx, evt.Reply(content))
}
