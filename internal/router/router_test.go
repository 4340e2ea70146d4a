package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func noopActions() map[domain.NotificationType]Action {
	actions := make(map[domain.NotificationType]Action)
	for _, t := range domain.NotificationTypes() {
		actions[t] = ActionFunc(func(context.Context, domain.NotificationEvent) error { return nil })
	}
	return actions
}

func TestNewRouterRequiresEveryType(t *testing.T) {
	t.Parallel()

	actions := noopActions()
	delete(actions, domain.TypeShipmentUpdate)

	_, err := NewRouter(actions, nil)
	if err == nil {
		t.Fatal("NewRouter() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "SHIPMENT_UPDATE") {
		t.Fatalf("NewRouter() error = %v, want missing SHIPMENT_UPDATE", err)
	}
}

func TestNewRouterRejectsNilAndUnknownActions(t *testing.T) {
	t.Parallel()

	withNil := noopActions()
	withNil[domain.TypeOrderPlaced] = nil
	if _, err := NewRouter(withNil, nil); err == nil {
		t.Fatal("NewRouter(nil action) error = nil, want error")
	}

	withUnknown := noopActions()
	withUnknown["REFUND_ISSUED"] = ActionFunc(func(context.Context, domain.NotificationEvent) error { return nil })
	if _, err := NewRouter(withUnknown, nil); err == nil {
		t.Fatal("NewRouter(unknown type) error = nil, want error")
	}
}

func TestRouterDispatchesByType(t *testing.T) {
	t.Parallel()

	var got []domain.NotificationType
	actions := make(map[domain.NotificationType]Action)
	for _, nt := range domain.NotificationTypes() {
		actions[nt] = ActionFunc(func(_ context.Context, event domain.NotificationEvent) error {
			got = append(got, event.Type)
			return nil
		})
	}

	r, err := NewRouter(actions, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	for _, nt := range domain.NotificationTypes() {
		if err := r.Handle(context.Background(), domain.NotificationEvent{MessageID: "m", Type: nt, ReceiverID: "1"}); err != nil {
			t.Fatalf("Handle(%s) error = %v", nt, err)
		}
	}

	if len(got) != len(domain.NotificationTypes()) {
		t.Fatalf("dispatched = %v", got)
	}
	for i, nt := range domain.NotificationTypes() {
		if got[i] != nt {
			t.Fatalf("dispatched[%d] = %s, want %s", i, got[i], nt)
		}
	}
}

func TestRouterUnknownTypeWarnsAndSucceeds(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	r, err := NewRouter(noopActions(), zap.New(core))
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	if err := r.Handle(context.Background(), domain.NotificationEvent{MessageID: "m", Type: "BOGUS", ReceiverID: "1"}); err != nil {
		t.Fatalf("Handle() error = %v, want nil", err)
	}
	if n := logs.FilterMessage("unknown notification type, skipping").Len(); n != 1 {
		t.Fatalf("warnings = %d, want 1", n)
	}
}

func TestRouterStrictUnknownTypeFails(t *testing.T) {
	t.Parallel()

	r, err := NewRouter(noopActions(), nil, WithStrictTypes())
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	err = r.Handle(context.Background(), domain.NotificationEvent{MessageID: "m", Type: "BOGUS", ReceiverID: "1"})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Handle() error = %v, want ErrUnknownType", err)
	}

	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("Handle() error type = %T, want *HandlerError", err)
	}
	if handlerErr.MessageID != "m" || handlerErr.Type != "BOGUS" {
		t.Fatalf("HandlerError = %s/%s, want m/BOGUS", handlerErr.MessageID, handlerErr.Type)
	}
	if strings.TrimSpace(handlerErr.Stack) == "" {
		t.Fatal("HandlerError.Stack is empty, want the captured stack")
	}
}

func TestRouterWrapsActionError(t *testing.T) {
	t.Parallel()

	actions := noopActions()
	actions[domain.TypePaymentFailed] = ActionFunc(func(context.Context, domain.NotificationEvent) error {
		return errors.New("smtp unavailable")
	})

	r, err := NewRouter(actions, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	err = r.Handle(context.Background(), domain.NotificationEvent{MessageID: "m-9", Type: domain.TypePaymentFailed, ReceiverID: "42"})

	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("Handle() error = %v, want *HandlerError", err)
	}
	if handlerErr.Message() != "smtp unavailable" {
		t.Fatalf("Message() = %q, want %q", handlerErr.Message(), "smtp unavailable")
	}
	if handlerErr.MessageID != "m-9" || handlerErr.Type != domain.TypePaymentFailed {
		t.Fatalf("HandlerError = %+v", handlerErr)
	}
	if handlerErr.Stack == "" {
		t.Fatal("Stack is empty")
	}
}

func TestPanicError(t *testing.T) {
	t.Parallel()

	err := PanicError(domain.NotificationEvent{MessageID: "m", Type: domain.TypeOrderPlaced}, "nil map")
	if !strings.Contains(err.Error(), "panic: nil map") {
		t.Fatalf("Error() = %q", err.Error())
	}
	if err.Stack == "" {
		t.Fatal("Stack is empty")
	}
}

func TestAsHandlerErrorKeepsExisting(t *testing.T) {
	t.Parallel()

	original := &HandlerError{MessageID: "a", Cause: errors.New("x")}
	wrapped := AsHandlerError(domain.NotificationEvent{MessageID: "b"}, original)
	if wrapped != original {
		t.Fatal("AsHandlerError() did not return the existing HandlerError")
	}
	if AsHandlerError(domain.NotificationEvent{}, nil) != nil {
		t.Fatal("AsHandlerError(nil) != nil")
	}
}
