// Package rmq wraps the AMQP client with the small surface sandman needs:
// a connection, a topic-exchange publisher, and a pattern-routed consumer.
package rmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
}

// URL renders the config as an AMQP URL.
func (c Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.Username, c.Password, c.Host, c.Port, c.VHost)
}

// Connection wraps one AMQP connection.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection connects using the given config.
func NewConnection(config Config) (*Connection, error) {
	return Dial(config.URL())
}

// Dial connects to the broker at the given AMQP URL.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return &Connection{conn: conn}, nil
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// NotifyClose registers a receiver for connection-close notifications.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

// Close closes the connection. Safe on an unopened connection.
func (c *Connection) Close() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
