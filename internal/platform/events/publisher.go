// Package events publishes booking domain events to a RabbitMQ topic
// exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer opens a fresh channel and returns the closer of its connection.
type dialer func() (channel, func() error, error)

type AMQPPublisher struct {
	mu        sync.Mutex
	dial      dialer
	closeConn func() error
	ch        channel
	exchange string
	logger   zerolog.Logger
	now      func() time.Time
	closed   bool
}

// NewAMQPPublisher dials url and declares a durable topic exchange. A
// publish that finds the channel closed redials once before failing.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	dial := func() (channel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("open amqp channel: %w", err)
		}
		return ch, conn.Close, nil
	}
	return dialPublisher(dial, exchange, logger)
}

func dialPublisher(dial dialer, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	ch, closeConn, err := dial()
	if err != nil {
		return nil, err
	}
	p, err := newPublisher(ch, exchange, logger)
	if err != nil {
		closeConn()
		return nil, err
	}
	p.dial = dial
	p.closeConn = closeConn
	return p, nil
}

// reconnect swaps in a fresh channel. Callers hold p.mu.
func (p *AMQPPublisher) reconnect() error {
	ch, closeConn, err := p.dial()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		closeConn()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	_ = p.ch.Close()
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch, p.closeConn = ch, closeConn
	p.logger.Info().Msg("amqp channel reopened")
	return nil
}

func newPublisher(ch channel, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With().Str("component", "events").Str("exchange", exchange).Logger(),
		now:      time.Now,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", routingKey, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		Type:         routingKey,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) && p.dial != nil {
		p.logger.Warn().Err(err).Msg("amqp channel closed, reconnecting")
		if rerr := p.reconnect(); rerr != nil {
			return fmt.Errorf("publish %s: %w", routingKey, errors.Join(err, rerr))
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	p.logger.Debug().Str("routing_key", routingKey).Str("message_id", msg.MessageId).Msg("event published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.ch.Close()
	if p.closeConn != nil {
		err = errors.Join(err, p.closeConn())
	}
	return err
}

// Noop discards events. It stands in when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close() error                               { return nil }
