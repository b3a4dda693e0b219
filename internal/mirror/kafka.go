package mirror

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/chatgate/internal/audit"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes audit envelopes to a topic keyed by chat scope, so every
// record of one chat lands on the same partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink for topic on brokers. Call Close on shutdown.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka mirror requires brokers and topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, topic: topic}, nil
}

func (k *KafkaSink) WriteAuditRecord(ctx context.Context, rec audit.Record, user audit.User, group audit.Group) error {
	payload, err := encode(rec, user, group)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(rec.ChatScope, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(envelopeType)},
			{Key: "status", Value: []byte(rec.Status.String())},
		},
	})
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
