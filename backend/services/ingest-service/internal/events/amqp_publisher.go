package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/hub"
)

const (
	reconnectDelay = 5 * time.Second
	publishTimeout = 5 * time.Second
	queueSize      = 1024
)

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher relays hub events to a RabbitMQ queue. Forward never blocks;
// events are dropped when the relay queue is full or the broker is down.
type AMQPPublisher struct {
	url    string
	queue  string
	events chan hub.Event
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewAMQPPublisher builds a publisher. Call Run to start relaying.
func NewAMQPPublisher(url, queue string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{
		url:    url,
		queue:  queue,
		events: make(chan hub.Event, queueSize),
		logger: logger.With(zap.String("queue", queue)),
	}
}

// Forward implements hub.Sink.
func (p *AMQPPublisher) Forward(ev hub.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("dropping event, relay queue full", zap.String("kind", ev.Kind), zap.String("device_id", ev.DeviceID))
	}
}

// Run connects to the broker and publishes queued events until ctx ends,
// reconnecting after connection or channel failures.
func (p *AMQPPublisher) Run(ctx context.Context) {
	for {
		conn, ch, err := p.connect()
		if err != nil {
			p.logger.Error("failed to connect to broker, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		p.logger.Info("event relay connected")
		done := p.pump(ctx, ch, ch.NotifyClose(make(chan *amqp.Error, 1)))
		_ = ch.Close()
		_ = conn.Close()
		if done {
			return
		}
	}
}

func (p *AMQPPublisher) connect() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	_, err = ch.QueueDeclare(
		p.queue,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	return conn, ch, nil
}

// pump publishes until ctx ends (true) or the channel fails (false).
func (p *AMQPPublisher) pump(ctx context.Context, ch channel, closed <-chan *amqp.Error) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case amqpErr := <-closed:
			p.logger.Warn("broker channel closed, reconnecting", zap.Error(amqpErr))
			return false
		case ev := <-p.events:
			if err := p.publish(ctx, ch, ev); err != nil {
				p.logger.Warn("failed to publish event", zap.String("kind", ev.Kind), zap.Error(err))
				var amqpErr *amqp.Error
				if errors.As(err, &amqpErr) || errors.Is(err, amqp.ErrClosed) {
					return false
				}
			}
		}
	}
}

func (p *AMQPPublisher) publish(ctx context.Context, ch channel, ev hub.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx,
		"",      // Exchange
		p.queue, // Routing key
		false,   // Mandatory
		false,   // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         ev.Kind,
			Timestamp:    ev.Timestamp,
			Body:         body,
		},
	)
}

// Close stops accepting events.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
