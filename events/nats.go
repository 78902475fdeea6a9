// Package events delivers engine events to NATS.
//
// Each event is published as JSON on "<prefix>.<event type>", for example
// "tutortrack.request.rejected", so consumers can subscribe to
// "tutortrack.request.>" or a single type.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tutortrack/points-engine/points"
)

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	conn   conn
	prefix string
	logger zerolog.Logger
}

var _ points.Publisher = (*NATSPublisher)(nil)

// Connect dials url and returns a publisher.
func Connect(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("points-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info().Str("url", url).Str("prefix", prefix).Msg("NATS publisher initialized")
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(c conn, prefix string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t points.EventType) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, ev points.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.logger.Debug().Str("subject", subject).Str("event_id", ev.ID).Msg("event published")
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
