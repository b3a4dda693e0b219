// Package gateway runs the event pipeline: every inbound event is stamped,
// dispatched to the enabled feature handlers, and committed to the audit log.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/dispatch"
	"github.com/KafClaw/chatgate/internal/features"
	"github.com/KafClaw/chatgate/internal/toggle"
)

const replyTimeout = 5 * time.Second

// Replier delivers gateway replies. *bus.MessageBus implements it.
type Replier interface {
	PublishOutbound(ctx context.Context, msg *bus.OutboundMessage) error
}

// Gateway wires the pipeline stages together.
type Gateway struct {
	out      Replier
	admin    *features.Admin
	selector dispatch.Selector
	engine   *dispatch.Engine
	recorder *audit.Recorder
	sigil    rune

	wg sync.WaitGroup
}

// New creates a gateway. The selector's sigil is used for classification.
func New(out Replier, admin *features.Admin, sel dispatch.Selector, engine *dispatch.Engine, rec *audit.Recorder) *Gateway {
	sigil := sel.Sigil
	if sigil == 0 {
		sigil = bus.DefaultSigil
	}
	return &Gateway{
		out:      out,
		admin:    admin,
		selector: sel,
		engine:   engine,
		recorder: rec,
		sigil:    sigil,
	}
}

// Run consumes events from b until ctx is done, one goroutine per event, then
// waits for in-flight events to be committed. In-flight events are not
// cancelled; the handler timeout bounds them.
func (g *Gateway) Run(ctx context.Context, b *bus.MessageBus) error {
	slog.Info("Gateway pipeline started")
	defer g.wg.Wait()
	hctx := context.WithoutCancel(ctx)
	for {
		evt, err := b.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.Handle(hctx, evt)
		}()
	}
}

// Handle runs one event through the pipeline and returns the committed
// record. Events without text or callback data are ignored (ok == false).
func (g *Gateway) Handle(ctx context.Context, evt *bus.InboundMessage) (rec audit.Record, ok bool) {
	if evt == nil {
		return audit.Record{}, false
	}
	if evt.Kind == bus.KindCallback {
		if evt.CallbackData == "" {
			return audit.Record{}, false
		}
		b := audit.Begin(evt, g.sigil)
		return g.recorder.Commit(ctx, b, audit.UserFrom(evt), audit.GroupFrom(evt)), true
	}
	if !evt.HasText() {
		return audit.Record{}, false
	}

	// Plain text lands in the command column as well.
	b := audit.Begin(evt, g.sigil)
	b.SetCommand(evt.Text)

	if evt.IsCommand(g.sigil) && g.handleAdmin(ctx, evt, b) {
		return g.recorder.Commit(ctx, b, audit.UserFrom(evt), audit.GroupFrom(evt)), true
	}

	res := g.engine.Dispatch(ctx, evt, g.selector.Routes(evt))
	if !res.OK() {
		b.SetStatus(audit.StatusRuntimeError)
		b.SetError(res.Message())
	}
	return g.recorder.Commit(ctx, b, audit.UserFrom(evt), audit.GroupFrom(evt)), true
}

// handleAdmin answers /features, /enable and /disable. It reports whether
// the event was an admin command.
func (g *Gateway) handleAdmin(ctx context.Context, evt *bus.InboundMessage, b *audit.Builder) bool {
	if g.admin == nil {
		return false
	}
	name := bus.CommandName(evt.Text, g.sigil)
	switch name {
	case "features":
		g.reply(ctx, evt, FormatFeatures(g.admin.ListFeatures(evt.ChatScope)))
		return true
	case "enable", "disable":
	default:
		return false
	}

	args := bus.CommandArgs(evt.Text)
	if len(args) != 1 {
		usage := fmt.Sprintf("usage: %c%s <feature>", g.sigil, name)
		b.SetStatus(audit.StatusCmdError)
		b.SetError(usage)
		g.reply(ctx, evt, usage)
		return true
	}
	feature := strings.ToLower(args[0])
	enabled := name == "enable"

	err := g.admin.SetFeature(ctx, evt.ChatScope, feature, enabled)
	switch {
	case err == nil:
		g.reply(ctx, evt, fmt.Sprintf("%s %sd", feature, name))
	case errors.Is(err, features.ErrUnknownFeature):
		b.SetStatus(audit.StatusCmdError)
		b.SetError(err.Error())
		g.reply(ctx, evt, unknownFeatureReply(g.admin.Registry(), feature))
	case errors.Is(err, toggle.ErrStoreBackpressure):
		b.SetStatus(audit.StatusRuntimeError)
		b.SetError(err.Error())
		g.reply(ctx, evt, fmt.Sprintf("%s %sd: saved in memory, persistence delayed", feature, name))
	default:
		b.SetStatus(audit.StatusRuntimeError)
		b.SetError(err.Error())
		g.reply(ctx, evt, "failed: "+err.Error())
	}
	return true
}

func (g *Gateway) reply(ctx context.Context, evt *bus.InboundMessage, content string) {
	if g.out == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := g.out.PublishOutbound(ctx, evt.Reply(content)); err != nil {
		slog.Warn("Gateway reply dropped", "channel", evt.Channel, "chat", evt.ChatID, "error", err)
	}
}

// FormatFeatures renders a feature listing, one line per feature.
func FormatFeatures(list []features.Status) string {
	var sb strings.Builder
	for i, s := range list {
		if i > 0 {
			sb.WriteByte('\n')
		}
		mark := "off"
		if s.Enabled {
			mark = "on"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s", mark, s.Name, s.Description)
	}
	return sb.String()
}

func unknownFeatureReply(r *features.Registry, name string) string {
	msg := "unknown feature: " + name
	if hints := r.Suggest(name, 3); len(hints) > 0 {
		msg += " (did you mean " + strings.Join(hints, ", ") + "?)"
	}
	return msg
}
