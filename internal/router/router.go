package router

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"go.uber.org/zap"
)

// Action is the business action run for one notification type. Actions must
// be safe to invoke again with the same messageId.
type Action interface {
	Handle(ctx context.Context, event domain.NotificationEvent) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, event domain.NotificationEvent) error

func (f ActionFunc) Handle(ctx context.Context, event domain.NotificationEvent) error {
	return f(ctx, event)
}

// Handler dispatches an event to its business action.
type Handler interface {
	Handle(ctx context.Context, event domain.NotificationEvent) error
}

type Option func(*Router)

// WithStrictTypes makes events of an unknown type fail with ErrUnknownType
// instead of being skipped.
func WithStrictTypes() Option {
	return func(r *Router) {
		r.strict = true
	}
}

var _ Handler = (*Router)(nil)

type Router struct {
	actions map[domain.NotificationType]Action
	strict  bool
	logger  *zap.Logger
}

// NewRouter requires exactly one action for every notification type.
func NewRouter(actions map[domain.NotificationType]Action, logger *zap.Logger, opts ...Option) (*Router, error) {
	var missing []string
	for _, t := range domain.NotificationTypes() {
		if action, ok := actions[t]; !ok || action == nil {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no action registered for notification types: %s", strings.Join(missing, ", "))
	}

	var unknown []string
	for t := range actions {
		if !t.IsValid() {
			unknown = append(unknown, t.String())
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("actions registered for unknown notification types: %s", strings.Join(unknown, ", "))
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		actions: make(map[domain.NotificationType]Action, len(actions)),
		logger:  logger,
	}
	for t, action := range actions {
		r.actions[t] = action
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Handle runs the action registered for event.Type. A failing action is
// returned as a *HandlerError.
func (r *Router) Handle(ctx context.Context, event domain.NotificationEvent) error {
	logger := observability.WithContextLogger(r.logger, ctx)

	action, ok := r.actions[event.Type]
	if !ok {
		if r.strict {
			return AsHandlerError(event, fmt.Errorf("%w %q", ErrUnknownType, event.Type))
		}

		logger.Warn("unknown notification type, skipping", observability.EventFields(event)...)
		return nil
	}

	logger.Debug("processing notification", observability.EventFields(event)...)

	if err := action.Handle(ctx, event); err != nil {
		return AsHandlerError(event, err)
	}
	return nil
}
