// Package events republishes status snapshots to RabbitMQ so external
// consumers can follow the host without polling it.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/libs/go/logging"
	"github.com/whale-net/sandman/libs/go/rmq"
)

const (
	// Exchange is the topic exchange all host events go through.
	Exchange = "sandman"
	// StatusRoutingKey carries SystemStatus snapshots.
	StatusRoutingKey = "status.host"
)

// Publisher sends snapshots to the sandman exchange.
type Publisher struct {
	conn *rmq.Connection
	pub  *rmq.Publisher
	log  *slog.Logger
}

// NewPublisher connects to the broker and declares the exchange.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := rmq.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	pub, err := rmq.NewPublisher(conn, Exchange)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return &Publisher{
		conn: conn,
		pub:  pub,
		log:  logging.Get("events"),
	}, nil
}

// PublishStatus sends one snapshot. Implements the status notifier's sink.
func (p *Publisher) PublishStatus(ctx context.Context, st *core.SystemStatus) error {
	if err := p.pub.Publish(ctx, StatusRoutingKey, st); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	p.log.Debug("status published",
		"routing_key", StatusRoutingKey,
		"idle", st.Idle,
		"busy", st.Busy,
		"queued_sessions", st.QueuedSessions)
	return nil
}

// Close shuts the publisher channel and the connection.
func (p *Publisher) Close() {
	if err := p.pub.Close(); err != nil {
		p.log.Warn("failed to close publisher channel", "error", err)
	}
	if err := p.conn.Close(); err != nil {
		p.log.Warn("failed to close broker connection", "error", err)
	}
}
