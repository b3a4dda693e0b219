package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/config"
)

// SlackChannel receives events over Socket Mode and replies through the Web API.
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig
	api    *slack.Client
	socket *socketmode.Client
	sigil  rune
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus, sigil rune) *SlackChannel {
	return &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		sigil:       sigil,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	opts := []slack.Option{slack.OptionAppLevelToken(c.config.AppToken)}
	if base := strings.TrimSpace(c.config.APIBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	c.api = slack.New(c.config.BotToken, opts...)
	c.socket = socketmode.New(c.api)

	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Send(sendCtx, msg); err != nil {
			slog.Warn("Slack send failed", "chat", msg.ChatID, "error", err)
		}
	})

	go c.consume(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()
	slog.Info("Slack channel started")
	return nil
}

func (c *SlackChannel) Stop() error { return nil }

func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.api == nil {
		return fmt.Errorf("slack client not initialized")
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ReplyToID > 0 {
		opts = append(opts, slack.MsgOptionTS(formatSlackTS(msg.ReplyToID)))
	}
	_, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...)
	return err
}

func (c *SlackChannel) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if in := c.handleSocketEvent(evt); in != nil {
				if err := c.Bus.PublishInbound(ctx, in); err != nil {
					return
				}
			}
		}
	}
}

func (c *SlackChannel) handleSocketEvent(evt socketmode.Event) *bus.InboundMessage {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return nil
		}
		if in, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok && in != nil {
			return slackMessage(in, c.sigil)
		}
	case socketmode.EventTypeSlashCommand:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if cmd, ok := evt.Data.(slack.SlashCommand); ok {
			return slackSlashCommand(cmd, c.sigil)
		}
	case socketmode.EventTypeInteractive:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if cb, ok := evt.Data.(slack.InteractionCallback); ok {
			return slackInteraction(cb)
		}
	}
	return nil
}

// slackMessage converts a channel message. An edit is converted like a new
// message carrying the edited text; other subtypes and bot posts are dropped.
func slackMessage(in *slackevents.MessageEvent, sigil rune) *bus.InboundMessage {
	if in.SubType == "message_changed" && in.Message != nil {
		edited := *in.Message
		edited.Channel = in.Channel
		edited.ChannelType = in.ChannelType
		msg := slackMessage(&edited, sigil)
		if msg != nil {
			msg.Metadata["edited"] = true
		}
		return msg
	}
	if in.BotID != "" || in.SubType != "" || in.User == "" {
		return nil
	}
	msg := &bus.InboundMessage{
		Channel:   "slack",
		ChatID:    in.Channel,
		ChatScope: ScopeFor("slack", in.Channel),
		ActorID:   ScopeFor("slack", in.User),
		ActorName: in.User,
		Text:      in.Text,
		MessageID: parseSlackTS(in.TimeStamp),
		Metadata:  map[string]any{"channel_type": in.ChannelType},
	}
	if in.ThreadTimeStamp != "" {
		msg.Metadata["thread_ts"] = in.ThreadTimeStamp
	}
	msg.Kind = msg.Classify(sigil)
	return msg
}

// slackSlashCommand rewrites "/cmd args" into the gateway's sigil form.
func slackSlashCommand(cmd slack.SlashCommand, sigil rune) *bus.InboundMessage {
	name := strings.TrimPrefix(strings.TrimSpace(cmd.Command), "/")
	if name == "" {
		return nil
	}
	text := strings.TrimSpace(string(sigil) + name + " " + strings.TrimSpace(cmd.Text))
	return &bus.InboundMessage{
		Channel:      "slack",
		ChatID:       cmd.ChannelID,
		ChatScope:    ScopeFor("slack", cmd.ChannelID),
		ChatTitle:    cmd.ChannelName,
		ChatUsername: cmd.TeamDomain,
		ActorID:      ScopeFor("slack", cmd.UserID),
		ActorName:    cmd.UserName,
		Kind:         bus.KindCommand,
		Text:         text,
	}
}

func slackInteraction(cb slack.InteractionCallback) *bus.InboundMessage {
	channelID := strings.TrimSpace(cb.Channel.ID)
	if channelID == "" {
		channelID = strings.TrimSpace(cb.Container.ChannelID)
	}
	actionID, actionVal := strings.TrimSpace(cb.ActionID), strings.TrimSpace(cb.Value)
	if len(cb.ActionCallback.BlockActions) > 0 {
		if actionID == "" {
			actionID = strings.TrimSpace(cb.ActionCallback.BlockActions[0].ActionID)
		}
		if actionVal == "" {
			actionVal = strings.TrimSpace(cb.ActionCallback.BlockActions[0].Value)
		}
	}
	data := actionID
	if actionVal != "" {
		data += ":" + actionVal
	}
	return &bus.InboundMessage{
		Channel:      "slack",
		ChatID:       channelID,
		ChatScope:    ScopeFor("slack", channelID),
		ActorID:      ScopeFor("slack", cb.User.ID),
		ActorName:    cb.User.Name,
		Kind:         bus.KindCallback,
		MessageID:    parseSlackTS(cb.Container.MessageTs),
		CallbackData: data,
	}
}

// parseSlackTS packs "1712345678.000100" into 1712345678000100.
func parseSlackTS(ts string) int64 {
	sec, frac, _ := strings.Cut(strings.TrimSpace(ts), ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0
	}
	frac = (frac + "000000")[:6]
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0
	}
	return s*1_000_000 + f
}

func formatSlackTS(id int64) string {
	return fmt.Sprintf("%d.%06d", id/1_000_000, id%1_000_000)
}
