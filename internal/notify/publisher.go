// Package notify forwards incident and outbox outcomes to an external broker
// so other services can react without polling.
package notify

import (
	"context"
	"fmt"

	"github.com/matheus3301/wafleet/internal/config"
)

// Topics published by the relay.
const (
	TopicIncidentOpened   = "incident.opened"
	TopicIncidentResolved = "incident.resolved"
	TopicOutboxSent       = "outbox.sent"
	TopicOutboxFailed     = "outbox.failed"
)

// Publisher delivers one encoded notification. key groups related messages,
// typically by account, for brokers that partition.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// New builds the publisher selected by cfg.Driver.
func New(cfg config.NotifyConfig) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "amqp":
		return NewAMQPPublisher(cfg.URL, cfg.Exchange)
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, nil)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, []byte) error { return nil }

func (Nop) Close() error { return nil }
