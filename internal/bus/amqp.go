package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// AMQP carries messages over a RabbitMQ topic exchange. Channel names map to routing
// keys by replacing ':' with '.', so builder ids must not contain dots.
type AMQP struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mu  sync.Mutex
	pub *amqp091.Channel
}

var _ Bus = (*AMQP)(nil)

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = "buildplane"
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		false,    // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: declare exchange: %w", err)
	}
	return &AMQP{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "bus", "transport", "amqp"),
		pub:      ch,
	}, nil
}

// Publish sends msg with its routing key.
func (a *AMQP) Publish(ctx context.Context, msg Message) error {
	channel, payload, err := Encode(msg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.pub.PublishWithContext(ctx,
		a.exchange,          // exchange
		routingKey(channel), // routing key
		false,               // mandatory
		false,               // immediate
		amqp091.Publishing{ContentType: "application/json", Body: payload},
	)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe binds an exclusive auto-delete queue to every message routing key.
func (a *AMQP) Subscribe(ctx context.Context, handle Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("bus: open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("bus: declare queue: %w", err)
	}
	for _, p := range patterns {
		if err := ch.QueueBind(q.Name, routingKey(p), a.exchange, false, nil); err != nil {
			return fmt.Errorf("bus: bind %s: %w", p, err)
		}
	}
	deliveries, err := ch.ConsumeWithContext(ctx,
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("bus: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			channel := strings.ReplaceAll(d.RoutingKey, ".", ":")
			msg, err := Decode(channel, d.Body)
			if err != nil {
				a.logger.Warn("dropping undecodable message", "routing_key", d.RoutingKey, "error", err)
				continue
			}
			handle(ctx, msg)
		}
	}
}

// Close closes the connection.
func (a *AMQP) Close() error {
	return a.conn.Close()
}

func routingKey(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}
