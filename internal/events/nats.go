package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSEmitter publishes job lifecycle events to NATS subjects of the form
// <prefix>.<event type>, e.g. "boardbuilder.job.completed".
type NATSEmitter struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSEmitter connects to NATS and returns an emitter.
func NewNATSEmitter(url, subjectPrefix string) (*NATSEmitter, error) {
	conn, err := nats.Connect(url,
		nats.Name("boardbuilder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS event emitter initialized", "url", url, "subject_prefix", subjectPrefix)
	return &NATSEmitter{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Emit publishes the event. The context deadline is honored only for marshal;
// NATS publish is fire-and-forget.
func (e *NATSEmitter) Emit(_ context.Context, ev JobEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", e.subjectPrefix, ev.Type)
	if err := e.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (e *NATSEmitter) Close() error {
	if e.conn != nil {
		if err := e.conn.Drain(); err != nil {
			e.conn.Close()
			return fmt.Errorf("drain NATS connection: %w", err)
		}
	}
	return nil
}
