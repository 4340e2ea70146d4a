package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/router"
	"go.uber.org/zap"
)

const DefaultMaxAttempts = 5

// DefaultRetryDelays is the backoff applied to the 1st through 5th retry.
var DefaultRetryDelays = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// EscalationAction is the outcome chosen for a failed event.
type EscalationAction string

const (
	ActionRetry      EscalationAction = "retry"
	ActionDeadLetter EscalationAction = "dead-letter"
)

// Decision is the stamped event and where it goes.
type Decision struct {
	Action EscalationAction
	Topic  string
	Delay  time.Duration
	Event  domain.NotificationEvent
}

type RetryPolicyConfig struct {
	MaxAttempts     int
	Delays          []time.Duration
	RetryTopic      string
	DeadLetterTopic string
}

// RetryPolicy re-enqueues failed events with a table-driven backoff until
// MaxAttempts retries were spent, then dead-letters them.
type RetryPolicy struct {
	publisher       queue.Publisher
	maxAttempts     int
	delays          []time.Duration
	retryTopic      string
	deadLetterTopic string
	logger          *zap.Logger
	metrics         *observability.Metrics
	now             func() time.Time
}

func NewRetryPolicy(publisher queue.Publisher, cfg RetryPolicyConfig, logger *zap.Logger) (*RetryPolicy, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if strings.TrimSpace(cfg.RetryTopic) == "" {
		return nil, fmt.Errorf("retry topic is required")
	}
	if strings.TrimSpace(cfg.DeadLetterTopic) == "" {
		return nil, fmt.Errorf("dead-letter topic is required")
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0 (got %d)", cfg.MaxAttempts)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	delays := cfg.Delays
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	for i, d := range delays {
		if d < 0 {
			return nil, fmt.Errorf("retry delay %d must be >= 0 (got %s)", i+1, d)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryPolicy{
		publisher:       publisher,
		maxAttempts:     cfg.MaxAttempts,
		delays:          append([]time.Duration(nil), delays...),
		retryTopic:      cfg.RetryTopic,
		deadLetterTopic: cfg.DeadLetterTopic,
		logger:          logger,
		now:             time.Now,
	}, nil
}

func (p *RetryPolicy) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns the backoff of the 1-indexed retry attempt. Attempts past the
// table reuse its last entry.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.delays) {
		return p.delays[len(p.delays)-1]
	}
	return p.delays[attempt-1]
}

// Decide stamps a copy of event with the failure and picks its next topic.
// A dead-lettered event keeps the retry count it failed with. The budget and
// the delay table are counted from the last replay.
func (p *RetryPolicy) Decide(event domain.NotificationEvent, cause error) Decision {
	now := p.now().UTC()
	next := event.RetryCount + 1
	spent := event.RetriesSpent() + 1
	message := failureMessage(cause)

	out := event.Clone()
	out.LastError = message
	out.LastFailedAt = &now
	out.Attempts = append(out.Attempts, domain.DeliveryAttempt{
		Attempt:  len(event.Attempts) + 1,
		Error:    message,
		FailedAt: now,
	})

	if spent <= p.maxAttempts {
		delay := p.Delay(spent)
		processAfter := now.Add(delay)
		out.RetryCount = next
		out.ProcessAfter = &processAfter

		return Decision{
			Action: ActionRetry,
			Topic:  p.retryTopic,
			Delay:  delay,
			Event:  out,
		}
	}

	out.ProcessAfter = nil
	out.FinalError = message
	out.ErrorStack = failureStack(cause)
	out.DeadAt = &now

	return Decision{
		Action: ActionDeadLetter,
		Topic:  p.deadLetterTopic,
		Event:  out,
	}
}

// OnFailure decides and publishes. A returned error means the event could be
// neither retried nor dead-lettered.
func (p *RetryPolicy) OnFailure(ctx context.Context, event domain.NotificationEvent, cause error) (Decision, error) {
	decision := p.Decide(event, cause)

	if err := p.publisher.Publish(ctx, decision.Topic, decision.Event); err != nil {
		return decision, fmt.Errorf("failed to publish to %s topic: %w", decision.Action, err)
	}
	p.metrics.IncEventPublished(decision.Topic)

	logger := observability.WithContextLogger(p.logger, ctx)
	switch decision.Action {
	case ActionRetry:
		p.metrics.IncRetryScheduled(event.Type.String())
		logger.Info("notification scheduled for retry",
			zap.String("messageId", event.MessageID),
			zap.String("receiverId", event.ReceiverID),
			zap.Int("retryCount", decision.Event.RetryCount),
			zap.Duration("delay", decision.Delay),
			zap.String("lastError", decision.Event.LastError),
		)
	case ActionDeadLetter:
		p.metrics.IncDeadLettered(event.Type.String())
		logger.Warn("notification moved to dead-letter topic",
			zap.String("messageId", event.MessageID),
			zap.String("receiverId", event.ReceiverID),
			zap.Int("retryCount", decision.Event.RetryCount),
			zap.String("finalError", decision.Event.FinalError),
		)
	}

	return decision, nil
}

func failureMessage(err error) string {
	if err == nil {
		return "unknown error"
	}

	var handlerErr *router.HandlerError
	if errors.As(err, &handlerErr) {
		if msg := handlerErr.Message(); msg != "" {
			return msg
		}
	}
	return err.Error()
}

func failureStack(err error) string {
	var handlerErr *router.HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr.Stack
	}
	return ""
}
