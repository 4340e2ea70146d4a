package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetryMode selects how the retry consumer waits for a record to become eligible.
type RetryMode string

const (
	// RetryModeScheduled hands records that are not yet eligible to the
	// requeue scheduler and keeps consuming.
	RetryModeScheduled RetryMode = "scheduled"
	// RetryModeBlocking sleeps on the record, stalling its partition.
	RetryModeBlocking RetryMode = "blocking"
)

func ParseRetryMode(s string) (RetryMode, error) {
	switch mode := RetryMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return RetryModeScheduled, nil
	case RetryModeScheduled, RetryModeBlocking:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid retry mode %q (allowed: scheduled, blocking)", s)
	}
}

// RetryConsumer re-attempts events from the retry topic once their
// processAfter has passed.
type RetryConsumer struct {
	consumer  queue.Consumer
	cfg       ConsumerConfig
	mode      RetryMode
	scheduler *RequeueScheduler
	processor *eventProcessor
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRetryConsumer(
	consumer queue.Consumer,
	handler router.Handler,
	escalator Escalator,
	cfg ConsumerConfig,
	mode RetryMode,
	scheduler *RequeueScheduler,
	logger *zap.Logger,
) (*RetryConsumer, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	switch mode {
	case RetryModeScheduled:
		if scheduler == nil {
			return nil, fmt.Errorf("requeue scheduler is required in %s mode", mode)
		}
	case RetryModeBlocking:
	default:
		return nil, fmt.Errorf("invalid retry mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	processor, err := newEventProcessor("retry", handler, escalator, logger)
	if err != nil {
		return nil, err
	}

	return &RetryConsumer{
		consumer:  consumer,
		cfg:       cfg,
		mode:      mode,
		scheduler: scheduler,
		processor: processor,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepWithContext,
	}, nil
}

func (c *RetryConsumer) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.processor.metrics = metrics
	if c.scheduler != nil {
		c.scheduler.SetMetrics(metrics)
	}
}

// Start consumes until ctx is canceled. In scheduled mode it also runs the
// requeue scheduler.
func (c *RetryConsumer) Start(ctx context.Context) error {
	if c.mode != RetryModeScheduled {
		return runMembers(ctx, c.consumer, c.cfg, c.handle, c.logger)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.scheduler.Start(groupCtx)
	})
	g.Go(func() error {
		return runMembers(groupCtx, c.consumer, c.cfg, c.handle, c.logger)
	})
	return g.Wait()
}

func (c *RetryConsumer) handle(ctx context.Context, d *queue.Delivery) error {
	if c.mode == RetryModeScheduled && c.scheduler.Adopt(d) {
		c.logger.Debug("retry record redelivered while held, keeping scheduled requeue",
			zap.String("messageId", d.Event.MessageID),
			zap.Int("partition", d.Record.Partition),
			zap.Int64("offset", d.Record.Offset),
		)
		return queue.ErrDeferred
	}

	if wait := d.Event.WaitDuration(c.now()); wait > 0 {
		if c.mode == RetryModeScheduled {
			c.scheduler.Schedule(d)
			c.logger.Debug("retry not yet eligible, scheduled for requeue",
				zap.String("messageId", d.Event.MessageID),
				zap.Duration("wait", wait),
			)
			return queue.ErrDeferred
		}

		c.logger.Debug("waiting for retry eligibility",
			zap.String("messageId", d.Event.MessageID),
			zap.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	c.processor.process(ctx, d.Event)
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
