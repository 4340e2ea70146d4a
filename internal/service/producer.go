package service

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"go.uber.org/zap"
)

// Producer is the entry point for upstream business actions.
type Producer struct {
	publisher queue.Publisher
	topic     string
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

func NewProducer(publisher queue.Publisher, topic string, logger *zap.Logger) (*Producer, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("notification topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Producer{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (p *Producer) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Publish validates and stamps a new event and publishes it to the notification
// topic keyed by receiverID. It returns the assigned messageId once the broker
// acknowledged the record.
func (p *Producer) Publish(ctx context.Context, notificationType string, senderID string, receiverID string, options map[string]any) (string, error) {
	t, err := domain.ParseNotificationType(notificationType)
	if err != nil {
		return "", err
	}

	event := domain.NotificationEvent{
		Version:    domain.EnvelopeVersion,
		MessageID:  p.newID(),
		Type:       t,
		SenderID:   strings.TrimSpace(senderID),
		ReceiverID: strings.TrimSpace(receiverID),
		Options:    maps.Clone(options),
		Timestamp:  p.now().UTC(),
		RetryCount: 0,
	}
	if err := event.Validate(); err != nil {
		return "", err
	}

	if err := p.publisher.Publish(ctx, p.topic, event); err != nil {
		p.logger.Error("failed to publish notification",
			append(observability.EventFields(event), zap.String("topic", p.topic), zap.Error(err))...,
		)
		return "", fmt.Errorf("failed to publish notification: %w", err)
	}
	p.metrics.IncEventPublished(p.topic)

	p.logger.Info("notification published",
		append(observability.EventFields(event), zap.String("topic", p.topic))...,
	)
	return event.MessageID, nil
}
