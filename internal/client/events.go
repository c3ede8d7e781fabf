package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/slidevoice/api/internal/config"
	"github.com/slidevoice/api/internal/model"
)

// EventPublisher announces task lifecycle transitions to other services.
type EventPublisher interface {
	Publish(ctx context.Context, event model.TaskEvent) error
	Close()
}

// NATSPublisher publishes task events as JSON on <prefix>.<kind>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(cfg *config.NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL not configured")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("slidevoice-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind model.EventKind) string {
	return eventSubject(p.prefix, kind)
}

func (p *NATSPublisher) Publish(ctx context.Context, event model.TaskEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event.Kind), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Connected reports whether the connection is currently usable.
func (p *NATSPublisher) Connected() bool {
	return p.conn.IsConnected()
}

func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}

// NopPublisher drops events. Used when no event bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, model.TaskEvent) error { return nil }
func (NopPublisher) Close()                                         {}

func eventSubject(prefix string, kind model.EventKind) string {
	if prefix == "" {
		return string(kind)
	}
	return prefix + "." + string(kind)
}
