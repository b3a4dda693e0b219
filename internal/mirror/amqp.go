package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/KafClaw/chatgate/internal/audit"
)

// AMQPConfig configures the topic exchange mirror.
type AMQPConfig struct {
	URL          string
	Exchange     string
	DialAttempts int
	DialBackoff  time.Duration
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type dialFunc func(url string) (*amqp.Connection, error)

// AMQPSink publishes audit envelopes to a durable topic exchange with
// routing key audit.<status>.<chat scope>.
type AMQPSink struct {
	ch       amqpPublisher
	closer   func() error
	exchange string
}

// NewAMQPSink dials the broker with retry and declares the exchange.
func NewAMQPSink(ctx context.Context, cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" || cfg.Exchange == "" {
		return nil, errors.New("amqp mirror requires url and exchange")
	}
	conn, err := dialWithRetry(ctx, cfg, amqp.Dial)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPSink{
		ch:       ch,
		closer:   conn.Close,
		exchange: cfg.Exchange,
	}, nil
}

func dialWithRetry(ctx context.Context, cfg AMQPConfig, dial dialFunc) (*amqp.Connection, error) {
	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = 5
	}
	base := cfg.DialBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := dial(cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("AMQP dial failed", "attempt", i+1, "error", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(base << i)):
		}
	}
	return nil, fmt.Errorf("failed to connect to amqp after %d attempts: %w", attempts, lastErr)
}

// jitter spreads d by ±25%.
func jitter(d time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	return time.Duration(float64(d) * (1 + delta))
}

func (a *AMQPSink) WriteAuditRecord(ctx context.Context, rec audit.Record, user audit.User, group audit.Group) error {
	body, err := encode(rec, user, group)
	if err != nil {
		return err
	}
	cid := rec.TraceID
	if cid == "" {
		cid = uuid.NewString()
	}
	return a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(rec), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     rec.ID,
		CorrelationId: cid,
		Type:          envelopeType,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

func (a *AMQPSink) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer()
}
