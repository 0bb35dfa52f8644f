// Package amqp implements a Notifier that publishes stored-message events to
// a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shineum/mail-ingest-lite/internal/notify"
)

// publishTimeout bounds a publish when the caller's context has no deadline.
const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config holds the publisher settings.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Publisher publishes persistent JSON events.
type Publisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    Channel
	exchange   string
	routingKey string
}

// Dial connects to the broker, opens a channel and declares the exchange.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := NewWithChannel(ch, cfg.Exchange, cfg.RoutingKey)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn

	go func() {
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		if err := <-closed; err != nil {
			slog.Error("AMQP connection closed", "error", err)
		}
	}()

	slog.Info("AMQP publisher connected", "exchange", p.exchange)
	return p, nil
}

// NewWithChannel creates a Publisher over an existing channel and declares
// the durable topic exchange. This is useful for testing.
func NewWithChannel(ch Channel, exchange, routingKey string) (*Publisher, error) {
	if exchange == "" {
		exchange = "mail"
	}
	if routingKey == "" {
		routingKey = "message.stored"
	}

	err := ch.ExchangeDeclare(
		exchange,
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// MessageStored publishes ev to the configured exchange and routing key.
func (p *Publisher) MessageStored(ctx context.Context, ev notify.StoredEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.MessageID,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to exchange %q with routing key %q: %w", p.exchange, p.routingKey, err)
	}
	return nil
}

// Name returns the notifier name.
func (p *Publisher) Name() string {
	return "amqp"
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
