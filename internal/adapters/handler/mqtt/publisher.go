// Package mqtt bridges mesh events onto an MQTT broker for dashboards and
// devices that cannot reach the management API.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
)

const (
	defaultPrefix  = "a2a"
	publishTimeout = 5 * time.Second
)

// Publisher republishes events to <prefix>/events/<type> and, for events
// about one agent, <prefix>/agents/<agent_id>.
type Publisher struct {
	client mqtt.Client
	prefix string
}

func NewPublisher(brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("a2a-orchestrator-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return newPublisher(client), nil
}

func newPublisher(client mqtt.Client) *Publisher {
	return &Publisher{client: client, prefix: defaultPrefix}
}

// Topics returns the topics an event is published on.
func (p *Publisher) Topics(event domain.Event) []string {
	topics := []string{fmt.Sprintf("%s/events/%s", p.prefix, event.Type)}
	if event.AgentID != "" {
		topics = append(topics, fmt.Sprintf("%s/agents/%s", p.prefix, event.AgentID))
	}
	return topics
}

// Publish implements ports.EventSink.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	for _, topic := range p.Topics(event) {
		token := p.client.Publish(topic, 0, false, payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return fmt.Errorf("publish %s: %w", topic, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Start relays events from the bus until ctx is done.
func (p *Publisher) Start(ctx context.Context, bus ports.EventSubscriber) {
	go p.consumeEvents(ctx, bus)
}

func (p *Publisher) consumeEvents(ctx context.Context, bus ports.EventSubscriber) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Error("MQTT: failed to subscribe to event bus", "error", err)
		return
	}

	logger.Info("MQTT: started event consumer")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := p.Publish(pubCtx, event); err != nil {
				logger.Warn("MQTT: publish failed", "type", event.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
