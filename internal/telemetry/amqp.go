package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kalambet/gardenq/internal/events"
)

// RoutingPrefix prefixes every routing key, e.g. "gardenq.job_completed".
const RoutingPrefix = "gardenq."

// Channel is the part of *amqp.Channel the forwarder publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// AMQPForwarder republishes bus events to a topic exchange so other local
// tooling can observe the queue.
type AMQPForwarder struct {
	ch       Channel
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
	closer   func() error
}

// NewAMQPForwarder builds a forwarder over an existing channel.
func NewAMQPForwarder(ch Channel, exchange string) *AMQPForwarder {
	return &AMQPForwarder{
		ch:       ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   slog.Default().With("component", "amqp_forwarder"),
	}
}

// DialAMQP connects to the broker, declares a durable topic exchange and
// returns a forwarder owning the connection.
func DialAMQP(url, exchange string) (*AMQPForwarder, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	f := NewAMQPForwarder(ch, exchange)
	f.closer = func() error {
		ch.Close()
		return conn.Close()
	}
	return f, nil
}

// RoutingKey returns the routing key for an event type.
func RoutingKey(t events.Type) string {
	return RoutingPrefix + string(t)
}

// Forward publishes one event.
func (f *AMQPForwarder) Forward(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err = f.ch.PublishWithContext(ctx, f.exchange, RoutingKey(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		MessageId:    e.JobID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	return nil
}

// Run forwards events until ctx is done or the subscription closes. Publish
// failures are logged and the event is skipped.
func (f *AMQPForwarder) Run(ctx context.Context, bus Subscriber) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := f.Forward(ctx, e); err != nil {
				f.logger.Warn("forwarding event failed", "type", e.Type, "job_id", e.JobID, "error", err)
			}
		}
	}
}

// Close releases the broker connection when the forwarder owns one.
func (f *AMQPForwarder) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}
