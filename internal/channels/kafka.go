package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/config"
)

// KafkaChannel reads JSON-encoded inbound events from a topic and writes
// replies to "<topic>.replies".
type KafkaChannel struct {
	BaseChannel
	config config.KafkaChannelConfig
	sigil  rune
	reader *kafka.Reader
	writer *kafka.Writer
}

func NewKafkaChannel(cfg config.KafkaChannelConfig, messageBus *bus.MessageBus, sigil rune) *KafkaChannel {
	return &KafkaChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		sigil:       sigil,
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

// ReplyTopic is the topic replies are produced to.
func (c *KafkaChannel) ReplyTopic() string { return c.config.Topic + ".replies" }

func (c *KafkaChannel) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if len(c.config.Brokers) == 0 || c.config.Topic == "" {
		return errors.New("kafka channel: brokers and topic required")
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		Topic:    c.config.Topic,
		GroupID:  c.config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.writer = &kafka.Writer{
		Addr:                   kafka.TCP(c.config.Brokers...),
		Topic:                  c.ReplyTopic(),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		if err := c.Send(ctx, msg); err != nil {
			slog.Warn("Kafka reply failed", "chat", msg.ChatID, "error", err)
		}
	})
	go c.consume(ctx)
	slog.Info("Kafka channel started", "topic", c.config.Topic, "group", c.config.GroupID)
	return nil
}

func (c *KafkaChannel) consume(ctx context.Context) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Kafka channel read error", "error", err)
			continue
		}
		msg, err := decodeKafkaInbound(m.Value, c.sigil)
		if err != nil {
			slog.Warn("Kafka channel: skipping malformed event", "offset", m.Offset, "error", err)
			continue
		}
		if err := c.Bus.PublishInbound(ctx, msg); err != nil {
			return
		}
	}
}

func (c *KafkaChannel) Stop() error {
	var errs []error
	if c.reader != nil {
		errs = append(errs, c.reader.Close())
	}
	if c.writer != nil {
		errs = append(errs, c.writer.Close())
	}
	return errors.Join(errs...)
}

func (c *KafkaChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if c.writer == nil {
		return errors.New("kafka channel not started")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ChatID),
		Value: payload,
	})
}

// decodeKafkaInbound parses one event. Replies are always routed back
// through this channel, whatever platform produced the event.
func decodeKafkaInbound(data []byte, sigil rune) (*bus.InboundMessage, error) {
	var msg bus.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.ChatID) == "" {
		return nil, fmt.Errorf("chat_id required")
	}
	if origin := msg.Channel; origin != "" && origin != "kafka" {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["origin_channel"] = origin
	}
	msg.Channel = "kafka"
	if msg.ChatScope == 0 {
		msg.ChatScope = ScopeFor("kafka", msg.ChatID)
	}
	msg.Kind = msg.Classify(sigil)
	return &msg, nil
}
