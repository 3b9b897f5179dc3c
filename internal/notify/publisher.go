// Package notify publishes audit entries to NATS on
// <prefix>.<entity_type>.<action>. Publishing is best-effort: failures are
// logged by the caller and never fail the operation that produced the entry.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"journeyline/internal/domain"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn   Conn
	prefix string
	log    zerolog.Logger
}

func NewPublisher(conn Conn, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Connect dials NATS and returns a publisher plus a close func.
func Connect(url, prefix string, log zerolog.Logger) (*Publisher, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("journeyline"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewPublisher(nc, prefix, log), func() { _ = nc.Drain() }, nil
}

// Subject returns the subject an entry is published on.
func (p *Publisher) Subject(entry domain.AuditLogEntry) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, entry.EntityType, entry.Action)
}

func (p *Publisher) Publish(entry domain.AuditLogEntry) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry %s: %w", entry.ID, err)
	}
	subject := p.Subject(entry)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.log.Debug().Str("subject", subject).Str("audit_id", entry.ID).Msg("audit entry published")
	return nil
}
