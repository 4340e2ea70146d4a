package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/router"
	"go.uber.org/zap"
)

const (
	outcomeAcknowledged = "acknowledged"
	outcomeEscalated    = "escalated"
)

// Escalator hands a failed event to the retry path.
type Escalator interface {
	OnFailure(ctx context.Context, event domain.NotificationEvent, cause error) (Decision, error)
}

// eventProcessor runs the router for one event and escalates failures. It is
// shared by the primary and retry consumers.
type eventProcessor struct {
	name      string
	handler   router.Handler
	escalator Escalator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func newEventProcessor(name string, handler router.Handler, escalator Escalator, logger *zap.Logger) (*eventProcessor, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if escalator == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &eventProcessor{
		name:      name,
		handler:   handler,
		escalator: escalator,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// process never fails: handler errors go to the retry path, and an escalation
// that cannot be published is reported as an alert before moving on.
func (p *eventProcessor) process(ctx context.Context, event domain.NotificationEvent) string {
	ctx = context.WithoutCancel(observability.WithMessageID(ctx, event.MessageID))
	logger := p.logger.With(observability.EventFields(event)...)

	p.metrics.IncConsumerInFlight(p.name)
	defer p.metrics.DecConsumerInFlight(p.name)

	start := p.now()
	handlerErr := p.invoke(ctx, event)
	if handlerErr == nil {
		p.metrics.ObserveHandled(p.name, event.Type.String(), outcomeAcknowledged, p.now().Sub(start))
		logger.Debug("notification acknowledged", zap.String("consumer", p.name))
		return outcomeAcknowledged
	}

	logger.Warn("notification handler failed", zap.String("consumer", p.name), zap.Error(handlerErr))

	if _, err := p.escalator.OnFailure(ctx, event, handlerErr); err != nil {
		p.metrics.IncEscalationFailure(p.name)
		logger.Error("failed to escalate notification, event is neither retried nor dead-lettered",
			zap.String("consumer", p.name),
			zap.Bool("alert", true),
			zap.NamedError("handlerError", handlerErr),
			zap.Error(err),
		)
	}

	p.metrics.ObserveHandled(p.name, event.Type.String(), outcomeEscalated, p.now().Sub(start))
	return outcomeEscalated
}

func (p *eventProcessor) invoke(ctx context.Context, event domain.NotificationEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = router.PanicError(event, recovered)
		}
	}()

	return p.handler.Handle(ctx, event)
}
