// Package nats mirrors orchestrator events onto NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
)

const SubjectPrefix = "a2a.events."

// Publisher is an event sink publishing each event to a2a.events.<type>.
type Publisher struct {
	conn *nats.Conn
}

func Connect(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("a2a-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", "url", conn.ConnectedUrl())
	return &Publisher{conn: conn}, nil
}

// Subject returns the subject an event type is published on.
func Subject(t domain.EventType) string {
	return SubjectPrefix + string(t)
}

func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(event.Type))
	msg.Data = data
	if event.AgentID != "" {
		msg.Header.Set("A2A-Agent-Id", event.AgentID)
	}
	return p.conn.PublishMsg(msg)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
