package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/idempotency"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/provider"
	"github.com/kursadbilgin/notification-pipeline/internal/ratelimit"
	"go.uber.org/zap"
)

// Template describes what a notification type sends and where.
type Template struct {
	Channels []domain.Channel
	Content  string
}

var defaultTemplates = map[domain.NotificationType]Template{
	domain.TypeOrderPlaced: {
		Channels: []domain.Channel{domain.ChannelEmail, domain.ChannelPush},
		Content:  "Your order has been placed.",
	},
	domain.TypePaymentSuccess: {
		Channels: []domain.Channel{domain.ChannelEmail},
		Content:  "Your payment was successful.",
	},
	domain.TypePaymentFailed: {
		Channels: []domain.Channel{domain.ChannelEmail, domain.ChannelPush, domain.ChannelSMS},
		Content:  "Your payment failed. Please check your payment method.",
	},
	domain.TypeShipmentUpdate: {
		Channels: []domain.Channel{domain.ChannelPush},
		Content:  "Your shipment status has been updated.",
	},
}

// DefaultTemplate returns the built-in template of t.
func DefaultTemplate(t domain.NotificationType) (Template, bool) {
	tmpl, ok := defaultTemplates[t]
	if !ok {
		return Template{}, false
	}
	tmpl.Channels = append([]domain.Channel(nil), tmpl.Channels...)
	return tmpl, true
}

// Dependencies are shared by every delivery action.
type Dependencies struct {
	Provider provider.Provider
	Store    idempotency.Store
	Limiter  ratelimit.RateLimiter
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

var _ Action = (*DeliveryAction)(nil)

// DeliveryAction sends an event on each channel of its template. A channel
// already delivered for the same messageId is skipped, so redelivered events
// only retry the channels that failed.
type DeliveryAction struct {
	template Template
	provider provider.Provider
	store    idempotency.Store
	limiter  ratelimit.RateLimiter
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewDeliveryAction(template Template, deps Dependencies) (*DeliveryAction, error) {
	if len(template.Channels) == 0 {
		return nil, fmt.Errorf("template must have at least one channel")
	}
	for _, channel := range template.Channels {
		if !channel.IsValid() {
			return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
		}
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &DeliveryAction{
		template: template,
		provider: deps.Provider,
		store:    deps.Store,
		limiter:  deps.Limiter,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}, nil
}

// DefaultActions builds a DeliveryAction for every notification type.
func DefaultActions(deps Dependencies) (map[domain.NotificationType]Action, error) {
	actions := make(map[domain.NotificationType]Action, len(defaultTemplates))
	for _, t := range domain.NotificationTypes() {
		tmpl, ok := DefaultTemplate(t)
		if !ok {
			return nil, fmt.Errorf("no template for notification type %s", t)
		}
		action, err := NewDeliveryAction(tmpl, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build action for %s: %w", t, err)
		}
		actions[t] = action
	}
	return actions, nil
}

func (a *DeliveryAction) Handle(ctx context.Context, event domain.NotificationEvent) error {
	logger := observability.WithContextLogger(a.logger, ctx)

	for _, channel := range a.template.Channels {
		if err := a.deliver(ctx, logger, event, channel); err != nil {
			return err
		}
	}
	return nil
}

func (a *DeliveryAction) deliver(ctx context.Context, logger *zap.Logger, event domain.NotificationEvent, channel domain.Channel) error {
	channelName := strings.ToLower(channel.String())
	key := idempotency.Key(event.MessageID, channelName)

	seen, err := a.store.Seen(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency check for %s failed: %w", channelName, err)
	}
	if seen {
		logger.Debug("channel already delivered, skipping",
			zap.String("messageId", event.MessageID),
			zap.String("channel", channelName),
		)
		return nil
	}

	if err := a.limiter.Wait(ctx, channelName); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	message := provider.Message{
		MessageID: event.MessageID,
		Type:      event.Type,
		Channel:   channel,
		Recipient: event.ReceiverID,
		Content:   a.content(event),
		Options:   event.Options,
	}

	start := a.now()
	resp, err := a.provider.Send(ctx, message)
	a.metrics.ObserveDeliveryDuration(channelName, a.now().Sub(start))
	if err != nil {
		a.metrics.IncDeliveryFailed(channelName, provider.FailureReason(err))
		return fmt.Errorf("%s delivery failed: %w", channelName, err)
	}
	a.metrics.IncDeliverySent(channelName)

	if err := a.store.Mark(ctx, key); err != nil {
		logger.Warn("failed to record delivery, a redelivery may repeat it",
			zap.String("messageId", event.MessageID),
			zap.String("channel", channelName),
			zap.Error(err),
		)
	}

	fields := []zap.Field{
		zap.String("messageId", event.MessageID),
		zap.String("channel", channelName),
		zap.String("receiverId", event.ReceiverID),
	}
	if resp != nil && resp.MessageID != "" {
		fields = append(fields, zap.String("providerMessageId", resp.MessageID))
	}
	logger.Info("notification channel delivered", fields...)
	return nil
}

// content prefers an explicit "message" option over the template text.
func (a *DeliveryAction) content(event domain.NotificationEvent) string {
	if msg, ok := event.Options["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return a.template.Content
}
