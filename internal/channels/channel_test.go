package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/chatgate/internal/bus"
)

func TestScopeFor(t *testing.T) {
	if got := ScopeFor("whatsapp", "4915112345678"); got != 4915112345678 {
		t.Fatalf("numeric ids must pass through, got %d", got)
	}
	if ScopeFor("slack", "") != 0 {
		t.Fatal("empty id maps to 0")
	}
	a := ScopeFor("slack", "C024BE91L")
	if a <= 0 || a != ScopeFor("slack", "C024BE91L") {
		t.Fatalf("hash must be positive and stable, got %d", a)
	}
	if a == ScopeFor("kafka", "C024BE91L") {
		t.Fatal("channel name must be part of the hash")
	}
}

func TestSlackTS(t *testing.T) {
	id := parseSlackTS("1712345678.000100")
	if id != 1712345678000100 {
		t.Fatalf("parse = %d", id)
	}
	if got := formatSlackTS(id); got != "1712345678.000100" {
		t.Fatalf("format = %s", got)
	}
	if parseSlackTS("garbage") != 0 {
		t.Fatal("garbage parses to 0")
	}
}

func TestSlackMessage(t *testing.T) {
	in := &slackevents.MessageEvent{
		User:        "U1",
		Channel:     "C1",
		Text:        "/ping",
		TimeStamp:   "1712345678.000100",
		ChannelType: "channel",
	}
	msg := slackMessage(in, '/')
	if msg == nil || msg.Kind != bus.KindCommand || msg.ChatID != "C1" || msg.MessageID != 1712345678000100 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if slackMessage(&slackevents.MessageEvent{User: "U1", BotID: "B1", Text: "x"}, '/') != nil {
		t.Fatal("bot messages must be dropped")
	}
	if slackMessage(&slackevents.MessageEvent{User: "U1", SubType: "channel_join"}, '/') != nil {
		t.Fatal("other subtypes must be dropped")
	}

	edit := &slackevents.MessageEvent{
		SubType:     "message_changed",
		Channel:     "C1",
		ChannelType: "channel",
		Message:     &slackevents.MessageEvent{User: "U1", Text: "fixed (", TimeStamp: "1712345678.000100"},
	}
	msg = slackMessage(edit, '/')
	if msg == nil || msg.Text != "fixed (" || msg.ChatID != "C1" || msg.Kind != bus.KindText || msg.Metadata["edited"] != true {
		t.Fatalf("unexpected edit %+v", msg)
	}
	if msg.MessageID != 1712345678000100 {
		t.Fatalf("edit should keep the original message id, got %d", msg.MessageID)
	}
	if slackMessage(&slackevents.MessageEvent{SubType: "message_changed", Channel: "C1"}, '/') != nil {
		t.Fatal("edit without a message body must be dropped")
	}
}

func TestSlackSlashCommandAndInteraction(t *testing.T) {
	cmd := slackSlashCommand(slack.SlashCommand{Command: "/enable", Text: " fix ", ChannelID: "C1", UserID: "U1"}, '!')
	if cmd.Text != "!enable fix" || cmd.Kind != bus.KindCommand {
		t.Fatalf("unexpected command %+v", cmd)
	}

	cb := slack.InteractionCallback{User: slack.User{ID: "U1"}}
	cb.Channel.ID = "C1"
	cb.ActionCallback.BlockActions = []*slack.BlockAction{{ActionID: "vote", Value: "yes"}}
	got := slackInteraction(cb)
	if got.Kind != bus.KindCallback || got.CallbackData != "vote:yes" || got.HasText() {
		t.Fatalf("unexpected callback %+v", got)
	}
}

func TestWhatsAppMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    types.JID{User: "120363025246125486", Server: types.GroupServer},
				Sender:  types.JID{User: "4915112345678", Server: types.DefaultUserServer},
				IsGroup: true,
			},
			ID:        "3EB0ABC",
			PushName:  "Ana",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello (")},
	}
	msg := whatsAppMessage(evt, '/', true)
	if msg == nil {
		t.Fatal("expected message")
	}
	want := bus.InboundMessage{
		Channel:   "whatsapp",
		ChatID:    "120363025246125486@g.us",
		ChatScope: 120363025246125486,
		ActorID:   4915112345678,
		ActorName: "Ana",
		Kind:      bus.KindText,
		Text:      "hello (",
		MessageID: messageIDHash("3EB0ABC"),
		TraceID:   "3EB0ABC",
		Timestamp: ts,
	}
	if diff := cmp.Diff(want, *msg); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}

	edit := *evt
	edit.Info.ID = "3EB0EDIT"
	edit.Message = &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
		Type:          waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
		Key:           &waCommon.MessageKey{ID: proto.String("3EB0ABC")},
		EditedMessage: &waE2E.Message{Conversation: proto.String("hello ()")},
	}}
	got := whatsAppMessage(&edit, '/', true)
	if got == nil || got.Text != "hello ()" || got.MessageID != messageIDHash("3EB0ABC") || got.Metadata["edited"] != true {
		t.Fatalf("unexpected edit %+v", got)
	}

	evt.Info.IsGroup = false
	if whatsAppMessage(evt, '/', true) != nil {
		t.Fatal("direct chats are dropped in groups-only mode")
	}
	evt.Info.IsFromMe = true
	if whatsAppMessage(evt, '/', false) != nil {
		t.Fatal("own messages are dropped")
	}
}

func TestDecodeKafkaInbound(t *testing.T) {
	msg, err := decodeKafkaInbound([]byte(`{"channel":"telegram","chat_id":"-100","chat_scope":-100,"actor_id":5,"text":"/id"}`), '/')
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "kafka" || msg.Metadata["origin_channel"] != "telegram" || msg.Kind != bus.KindCommand || msg.ChatScope != -100 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := decodeKafkaInbound([]byte(`{"text":"x"}`), '/'); err == nil {
		t.Fatal("missing chat_id must fail")
	}
	if _, err := decodeKafkaInbound([]byte(`nope`), '/'); err == nil {
		t.Fatal("bad json must fail")
	}
}

func TestWebhookChannel(t *testing.T) {
	b := bus.NewMessageBus(4)
	wh := NewWebhookChannel(b, '/')
	srv := httptest.NewServer(wh)
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"chat_id":"room-1","actor_id":3,"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	in, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if in.Channel != "webhook" || in.ChatScope != ScopeFor("webhook", "room-1") || in.Kind != bus.KindText {
		t.Fatalf("unexpected inbound %+v", in)
	}

	_ = wh.Send(ctx, in.Reply("hello back"))
	resp, err = http.Get(srv.URL + "?chat_id=room-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var replies []bus.OutboundMessage
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0].Content != "hello back" {
		t.Fatalf("unexpected replies %+v", replies)
	}
	if len(wh.Drain("room-1")) != 0 {
		t.Fatal("replies must be drained")
	}

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	wh.now = func() time.Time { return t0 }
	_ = wh.Send(ctx, &bus.OutboundMessage{ChatID: "abandoned", Content: "x"})
	wh.now = func() time.Time { return t0.Add(time.Hour) }
	_ = wh.Send(ctx, &bus.OutboundMessage{ChatID: "active", Content: "y"})
	if n := wh.PruneIdle(t0.Add(30 * time.Minute)); n != 1 {
		t.Fatalf("pruned %d outboxes, want 1", n)
	}
	if wh.Drain("abandoned") != nil || len(wh.Drain("active")) != 1 {
		t.Fatal("only the idle outbox should be discarded")
	}

	resp, _ = http.Post(srv.URL, "application/json", strings.NewReader(`{"text":"no chat"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
