package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"go.uber.org/zap"
)

// DeadLetterArchiver stores dead-lettered events for inspection and replays
// them onto the notification topic on request.
type DeadLetterArchiver struct {
	consumer    queue.Consumer
	publisher   queue.Publisher
	repo        repository.DeadLetterRepository
	cfg         ConsumerConfig
	replayTopic string
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewDeadLetterArchiver(
	consumer queue.Consumer,
	publisher queue.Publisher,
	repo repository.DeadLetterRepository,
	cfg ConsumerConfig,
	replayTopic string,
	logger *zap.Logger,
) (*DeadLetterArchiver, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("dead-letter repository is required")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(replayTopic) == "" {
		return nil, fmt.Errorf("replay topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeadLetterArchiver{
		consumer:    consumer,
		publisher:   publisher,
		repo:        repo,
		cfg:         cfg,
		replayTopic: replayTopic,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (a *DeadLetterArchiver) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// Start archives dead-letter records until ctx is canceled. A record is
// committed only after it was stored.
func (a *DeadLetterArchiver) Start(ctx context.Context) error {
	return runMembers(ctx, a.consumer, a.cfg, a.handle, a.logger)
}

func (a *DeadLetterArchiver) handle(ctx context.Context, d *queue.Delivery) error {
	entry := domain.NewDeadLetter(d.Event, a.now().UTC())

	stored, err := a.repo.Save(context.WithoutCancel(ctx), &entry)
	if err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", entry.MessageID, err)
	}

	logger := a.logger.With(observability.EventFields(d.Event)...)
	if !stored {
		logger.Debug("dead letter already archived")
		return nil
	}

	a.metrics.IncDeadLetterArchived()
	logger.Info("dead letter archived", zap.String("finalError", entry.FinalError))
	return nil
}

func (a *DeadLetterArchiver) List(ctx context.Context, filter repository.DeadLetterFilter) ([]domain.DeadLetter, error) {
	return a.repo.List(ctx, filter)
}

func (a *DeadLetterArchiver) Get(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}
	return a.repo.GetByMessageID(ctx, messageID)
}

// Replay republishes an archived event with a fresh retry budget. The
// messageId is kept so deliveries that already succeeded are skipped.
func (a *DeadLetterArchiver) Replay(ctx context.Context, messageID string) (domain.NotificationEvent, error) {
	entry, err := a.Get(ctx, messageID)
	if err != nil {
		return domain.NotificationEvent{}, err
	}

	event := entry.ReplayEvent()
	if err := a.publisher.Publish(ctx, a.replayTopic, event); err != nil {
		return domain.NotificationEvent{}, fmt.Errorf("failed to replay dead letter: %w", err)
	}
	a.metrics.IncEventPublished(a.replayTopic)

	if err := a.repo.MarkReplayed(ctx, entry.MessageID, a.now().UTC()); err != nil {
		return event, fmt.Errorf("dead letter replayed but not marked: %w", err)
	}

	a.logger.Info("dead letter replayed",
		append(observability.EventFields(event), zap.String("topic", a.replayTopic))...,
	)
	return event, nil
}
