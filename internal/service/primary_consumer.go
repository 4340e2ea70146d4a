package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minConsumerConcurrency = 1

// ConsumerConfig names what a consumer reads and how many group members it runs.
type ConsumerConfig struct {
	Topic       string
	Group       string
	Concurrency int
}

func (c ConsumerConfig) normalize() (ConsumerConfig, error) {
	if strings.TrimSpace(c.Topic) == "" {
		return c, fmt.Errorf("topic is required")
	}
	if strings.TrimSpace(c.Group) == "" {
		return c, fmt.Errorf("consumer group is required")
	}
	if c.Concurrency < minConsumerConcurrency {
		c.Concurrency = minConsumerConcurrency
	}
	return c, nil
}

// PrimaryConsumer handles events from the notification topic. A record is
// committed once it was acknowledged or escalated.
type PrimaryConsumer struct {
	consumer  queue.Consumer
	cfg       ConsumerConfig
	processor *eventProcessor
	logger    *zap.Logger
}

func NewPrimaryConsumer(
	consumer queue.Consumer,
	handler router.Handler,
	escalator Escalator,
	cfg ConsumerConfig,
	logger *zap.Logger,
) (*PrimaryConsumer, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	processor, err := newEventProcessor("primary", handler, escalator, logger)
	if err != nil {
		return nil, err
	}

	return &PrimaryConsumer{
		consumer:  consumer,
		cfg:       cfg,
		processor: processor,
		logger:    logger,
	}, nil
}

func (c *PrimaryConsumer) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.processor.metrics = metrics
}

// Start consumes until ctx is canceled.
func (c *PrimaryConsumer) Start(ctx context.Context) error {
	return runMembers(ctx, c.consumer, c.cfg, c.handle, c.logger)
}

func (c *PrimaryConsumer) handle(ctx context.Context, d *queue.Delivery) error {
	c.processor.process(ctx, d.Event)
	return nil
}

// runMembers starts cfg.Concurrency members of one consumer group.
func runMembers(ctx context.Context, consumer queue.Consumer, cfg ConsumerConfig, handler queue.MessageHandler, logger *zap.Logger) error {
	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		memberID := i + 1

		g.Go(func() error {
			logger.Info("consumer started",
				zap.Int("memberId", memberID),
				zap.String("topic", cfg.Topic),
				zap.String("group", cfg.Group),
			)

			if err := consumer.Consume(groupCtx, cfg.Topic, cfg.Group, handler); err != nil {
				logger.Error("consumer stopped with error",
					zap.Int("memberId", memberID),
					zap.String("topic", cfg.Topic),
					zap.Error(err),
				)
				return err
			}

			logger.Info("consumer stopped",
				zap.Int("memberId", memberID),
				zap.String("topic", cfg.Topic),
			)
			return nil
		})
	}

	return g.Wait()
}
