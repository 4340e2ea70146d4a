package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

var _ Publisher = (*EventPublisher)(nil)

// EventPublisher encodes notification events and publishes them through a Client.
type EventPublisher struct {
	client Client
}

func NewEventPublisher(client Client) (*EventPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("queue client is required")
	}
	return &EventPublisher{client: client}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, topic string, event domain.NotificationEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("topic name is required")
	}

	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, topic, event.PartitionKey(), payload)
}
