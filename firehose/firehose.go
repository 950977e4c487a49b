// Package firehose republishes every accepted event onto NATS subjects so
// downstream consumers (archivers, search indexers, moderation tooling) can
// tap the relay's accept stream without speaking the websocket protocol.
// A nil *Publisher is valid and disables the firehose entirely.
package firehose

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
)

// Publisher publishes accepted events to NATS
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

// Connect establishes the NATS connection. Reconnection is delegated to the
// client library; a publish during an outage is buffered or dropped by NATS,
// never surfaced to the submitting client.
func Connect(url, subjectPrefix string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("nostrelay-firehose"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(30*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Publisher", "Connect", "connect to NATS")
	}
	if subjectPrefix == "" {
		subjectPrefix = "nostr.event"
	}
	return &Publisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// Publish emits an accepted event on "<prefix>.<kind>". Best-effort: failures
// are logged and never propagate into the ingestion path.
func (p *Publisher) Publish(evt *nostr.Event) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("firehose marshal failed", "event_id", evt.ID, "error", err)
		return
	}
	subject := fmt.Sprintf("%s.%d", p.subjectPrefix, evt.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("firehose publish failed", "subject", subject, "error", err)
	}
}

// Close drains the NATS connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("firehose drain failed", "error", err)
	}
}
