package rmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler handles one delivered message. Returning a plain error
// requeues the message; wrap with Permanent to drop it instead.
type MessageHandler func(ctx context.Context, routingKey string, body []byte) error

// Consumer consumes from one queue and dispatches by routing-key pattern.
type Consumer struct {
	channel  *amqp.Channel
	queue    string
	handlers map[string]MessageHandler
}

// NewConsumer opens a channel and declares a durable queue.
func NewConsumer(conn *Connection, queueName string) (*Consumer, error) {
	return newConsumer(conn, queueName, true, false, false)
}

// NewEphemeralConsumer declares a server-named, exclusive, auto-deleted
// queue. Suited to fan-out subscribers that only care about messages
// published while they are attached.
func NewEphemeralConsumer(conn *Connection) (*Consumer, error) {
	return newConsumer(conn, "", false, true, true)
}

func newConsumer(conn *Connection, queueName string, durable, exclusive, autoDelete bool) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	queue, err := ch.QueueDeclare(
		queueName,
		durable,
		autoDelete,
		exclusive,
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &Consumer{
		channel:  ch,
		queue:    queue.Name,
		handlers: make(map[string]MessageHandler),
	}, nil
}

// Queue returns the declared queue name, useful for server-named queues.
func (c *Consumer) Queue() string {
	return c.queue
}

// BindExchange binds the queue to an exchange under the given routing keys.
func (c *Consumer) BindExchange(exchange string, routingKeys []string) error {
	for _, key := range routingKeys {
		if err := c.channel.QueueBind(c.queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to exchange: %w", err)
		}
	}
	return nil
}

// RegisterHandler routes messages matching the pattern to the handler.
// Patterns use AMQP topic syntax: "*" matches one word, "#" zero or more.
func (c *Consumer) RegisterHandler(routingKeyPattern string, handler MessageHandler) {
	c.handlers[routingKeyPattern] = handler
}

// Start begins consuming in the background until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c.handleMessage(ctx, msg)
			}
		}
	}()
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	var handler MessageHandler
	for pattern, h := range c.handlers {
		if matchesRoutingKey(msg.RoutingKey, pattern) {
			handler = h
			break
		}
	}
	if handler == nil {
		slog.Warn("no handler for routing key", "routing_key", msg.RoutingKey, "queue", c.queue)
		_ = msg.Nack(false, false)
		return
	}

	if err := handler(ctx, msg.RoutingKey, msg.Body); err != nil {
		requeue := !IsPermanentError(err)
		slog.Error("message handler failed",
			"routing_key", msg.RoutingKey,
			"requeue", requeue,
			"error", err)
		_ = msg.Nack(false, requeue)
		return
	}
	_ = msg.Ack(false)
}

// matchesRoutingKey implements AMQP topic matching: keys and patterns are
// dot-separated words, "*" matches exactly one word, "#" matches zero or
// more.
func matchesRoutingKey(key, pattern string) bool {
	return matchWords(strings.Split(key, "."), strings.Split(pattern, "."))
}

func matchWords(key, pattern []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(key[i:], pattern[1:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		key, pattern = key[1:], pattern[1:]
	}
	return len(key) == 0
}

// UnmarshalMessage decodes a JSON message body.
func UnmarshalMessage(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

// DeleteQueue removes the consumer's queue from the broker.
func (c *Consumer) DeleteQueue() error {
	_, err := c.channel.QueueDelete(c.queue, false, false, false)
	return err
}

// Close closes the consumer channel.
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
