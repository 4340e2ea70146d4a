package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"go.uber.org/zap"
)

const (
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// Delivery is a decoded record handed to a MessageHandler.
type Delivery struct {
	Record Record
	Event  domain.NotificationEvent

	once     sync.Once
	complete func() error
	err      error
}

// NewDelivery builds a delivery whose Complete runs complete once.
func NewDelivery(record Record, event domain.NotificationEvent, complete func() error) *Delivery {
	return &Delivery{Record: record, Event: event, complete: complete}
}

// Complete marks the delivery as finished so its offset can be committed.
// Handlers that returned ErrDeferred must call it exactly when they are done
// with the record; extra calls are no-ops.
func (d *Delivery) Complete() error {
	if d == nil || d.complete == nil {
		return nil
	}
	d.once.Do(func() {
		d.err = d.complete()
	})
	return d.err
}

var _ Consumer = (*SubscriptionConsumer)(nil)

// SubscriptionConsumer processes a topic strictly in partition order and
// commits each record after its handler finished with it.
type SubscriptionConsumer struct {
	client Client
	logger *zap.Logger
}

func NewSubscriptionConsumer(client Client, logger *zap.Logger) (*SubscriptionConsumer, error) {
	if client == nil {
		return nil, fmt.Errorf("queue client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SubscriptionConsumer{
		client: client,
		logger: logger,
	}, nil
}

// Consume blocks until ctx is canceled. Transport failures re-subscribe with
// a doubling backoff; uncommitted records are redelivered after re-subscribing.
func (c *SubscriptionConsumer) Consume(ctx context.Context, topic string, groupID string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("topic name is required")
	}
	if strings.TrimSpace(groupID) == "" {
		return fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, topic, groupID, handler)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("consumer interrupted, re-subscribing",
			zap.String("topic", topic),
			zap.String("group", groupID),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *SubscriptionConsumer) consumeOnce(ctx context.Context, topic string, groupID string, handler MessageHandler) error {
	sub, err := c.client.Subscribe(topic, groupID)
	if err != nil {
		return err
	}
	defer sub.Close() //nolint:errcheck // best-effort subscription close

	tracker := newOffsetTracker(context.WithoutCancel(ctx), sub)

	for {
		record, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) || IsTransport(err) {
				return err
			}
			return &TransportError{Op: "fetch", Topic: topic, Cause: err}
		}

		if err := c.handleRecord(ctx, tracker, record, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *SubscriptionConsumer) handleRecord(ctx context.Context, tracker *offsetTracker, record Record, handler MessageHandler) error {
	tracked := tracker.track(record)

	event, err := DecodeEvent(record.Value)
	if err != nil {
		c.logger.Warn("skipping undecodable record",
			zap.String("topic", record.Topic),
			zap.Int("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err),
		)
		return tracker.complete(tracked)
	}

	d := NewDelivery(record, event, func() error {
		return tracker.complete(tracked)
	})

	if err := handler(ctx, d); err != nil {
		if errors.Is(err, ErrDeferred) {
			return nil
		}
		return fmt.Errorf("handler failed for %s[%d]@%d: %w", record.Topic, record.Partition, record.Offset, err)
	}

	return d.Complete()
}
