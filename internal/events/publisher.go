// Package events publishes committed-sale and closed-session notifications
// for downstream consumers (reporting, stock replenishment).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"labelpos/backend/internal/domain"
)

const (
	TopicSaleCommitted = "sale.committed"
	TopicSessionClosed = "session.closed"
)

// Publisher is called after the owning write has committed. Delivery is best
// effort; a failed publish never undoes a sale.
type Publisher interface {
	SaleCommitted(ctx context.Context, event domain.SaleCommittedEvent) error
	SessionClosed(ctx context.Context, event domain.SessionClosedEvent) error
}

type Noop struct{}

func (Noop) SaleCommitted(context.Context, domain.SaleCommittedEvent) error { return nil }
func (Noop) SessionClosed(context.Context, domain.SessionClosedEvent) error { return nil }

// AMQPPublisher writes persistent JSON messages to durable queues on the
// default exchange, one queue per topic.
type AMQPPublisher struct {
	url    string
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url string, prefix string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQPPublisher{url: url, prefix: prefix, logger: logger.Named("events")}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func QueueName(prefix string, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

func (p *AMQPPublisher) SaleCommitted(ctx context.Context, event domain.SaleCommittedEvent) error {
	return p.publish(ctx, TopicSaleCommitted, event.SaleID, event)
}

func (p *AMQPPublisher) SessionClosed(ctx context.Context, event domain.SessionClosedEvent) error {
	return p.publish(ctx, TopicSessionClosed, event.SessionID, event)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

func (p *AMQPPublisher) publish(ctx context.Context, topic string, messageID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		if err := p.connectLocked(); err != nil {
			return fmt.Errorf("reconnect for %s: %w", topic, err)
		}
	}

	err = p.ch.PublishWithContext(ctx,
		"",
		QueueName(p.prefix, topic),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Type:         topic,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Debug("event published", zap.String("topic", topic), zap.String("id", messageID))
	return nil
}

func (p *AMQPPublisher) connectLocked() error {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	for _, topic := range []string{TopicSaleCommitted, TopicSessionClosed} {
		if _, err := ch.QueueDeclare(QueueName(p.prefix, topic), true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
	}
	p.conn = conn
	p.ch = ch
	return nil
}
