// Package dispatch moves committed change events from the outbox to
// subscribers. The relay polls undelivered outbox rows, publishes them to
// the bus, and only then marks them delivered, so consumers get every
// committed event at least once and per-record order follows commit order.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher is the interface for emitting events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// NATSPublisher publishes events to NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.conn.Publish(topic, data)
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NoopPublisher is a Publisher that does nothing (used when NATS is not
// configured; the outbox still records every event for the audit trail).
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}
