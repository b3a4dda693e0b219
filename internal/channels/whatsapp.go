package channels

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/config"
)

// WhatsAppChannel implements a native WhatsApp client.
type WhatsAppChannel struct {
	BaseChannel
	client    *whatsmeow.Client
	config    config.WhatsAppConfig
	container *sqlstore.Container
	sigil     rune
	ctx       context.Context
	sendFn    func(ctx context.Context, msg *bus.OutboundMessage) error
}

// NewWhatsAppChannel creates a new WhatsApp channel.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus, sigil rune) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		sigil:       sigil,
		ctx:         context.Background(),
	}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	c.ctx = ctx

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	if err := os.MkdirAll(filepath.Dir(c.config.DBPath), 0o755); err != nil {
		return fmt.Errorf("create whatsapp dir: %w", err)
	}
	dsn := "file:" + c.config.DBPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, dbLog)
	if err != nil {
		return fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.eventHandler)

	if c.client.Store.ID == nil {
		qrChan, _ := c.client.GetQRChannel(ctx)
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, c.config.QRPath); err == nil {
					slog.Info("WhatsApp login QR code saved, scan it with your phone", "path", c.config.QRPath)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	slog.Info("WhatsApp channel started")

	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		go c.handleOutbound(msg)
	})
	return nil
}

func (c *WhatsAppChannel) Stop() error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.client == nil {
		return fmt.Errorf("client not initialized")
	}
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Content),
	})
	return err
}

func (c *WhatsAppChannel) handleOutbound(msg *bus.OutboundMessage) {
	sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	send := c.Send
	if c.sendFn != nil {
		send = c.sendFn
	}
	if err := send(sendCtx, msg); err != nil {
		slog.Warn("WhatsApp send failed", "chat", msg.ChatID, "error", err)
	}
}

func (c *WhatsAppChannel) eventHandler(evt interface{}) {
	v, ok := evt.(*events.Message)
	if !ok {
		return
	}
	msg := whatsAppMessage(v, c.sigil, c.config.GroupsOnly)
	if msg == nil {
		return
	}
	if err := c.Bus.PublishInbound(c.ctx, msg); err != nil {
		slog.Warn("WhatsApp inbound dropped", "chat", msg.ChatID, "error", err)
	}
}

// whatsAppMessage converts a text message. Own messages, media, and direct
// chats when groupsOnly is set are dropped. Edits carry the new text and the
// id of the edited message.
func whatsAppMessage(v *events.Message, sigil rune, groupsOnly bool) *bus.InboundMessage {
	if v == nil || v.Message == nil || v.Info.IsFromMe {
		return nil
	}
	if groupsOnly && !v.Info.IsGroup {
		return nil
	}
	content, id, edited := v.Message, string(v.Info.ID), v.IsEdit
	if pm := content.GetProtocolMessage(); pm.GetType() == waE2E.ProtocolMessage_MESSAGE_EDIT {
		content, edited = pm.GetEditedMessage(), true
		if orig := pm.GetKey().GetID(); orig != "" {
			id = orig
		}
	}
	text := content.GetConversation()
	if text == "" {
		text = content.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return nil
	}
	msg := &bus.InboundMessage{
		Channel:   "whatsapp",
		ChatID:    v.Info.Chat.String(),
		ChatScope: ScopeFor("whatsapp", v.Info.Chat.User),
		ActorID:   ScopeFor("whatsapp", v.Info.Sender.User),
		ActorName: v.Info.PushName,
		Text:      text,
		MessageID: messageIDHash(id),
		TraceID:   id,
		Timestamp: v.Info.Timestamp,
	}
	if edited {
		msg.Metadata = map[string]any{"edited": true}
	}
	msg.Kind = msg.Classify(sigil)
	return msg
}

func messageIDHash(id string) int64 {
	if id == "" {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & (1<<63 - 1))
}
