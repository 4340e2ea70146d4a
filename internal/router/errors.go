package router

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// ErrUnknownType is the cause of a HandlerError for an event whose type has
// no action while strict type checking is enabled.
var ErrUnknownType = errors.New("unknown notification type")

// HandlerError is a failed business action. It is always recoverable through
// the retry path.
type HandlerError struct {
	Type      domain.NotificationType
	MessageID string
	Cause     error
	Stack     string
}

func (e *HandlerError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "handler error")
	if t := strings.TrimSpace(e.Type.String()); t != "" {
		parts = append(parts, "type="+t)
	}
	if id := strings.TrimSpace(e.MessageID); id != "" {
		parts = append(parts, "messageId="+id)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *HandlerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Message returns the cause's message, the text stamped on a failed event.
func (e *HandlerError) Message() string {
	if e == nil || e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

// AsHandlerError wraps err for event unless it already carries a HandlerError.
func AsHandlerError(event domain.NotificationEvent, err error) *HandlerError {
	if err == nil {
		return nil
	}

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr
	}

	return &HandlerError{
		Type:      event.Type,
		MessageID: event.MessageID,
		Cause:     err,
		Stack:     string(debug.Stack()),
	}
}

// PanicError converts a value recovered from a panicking action.
func PanicError(event domain.NotificationEvent, recovered any) *HandlerError {
	return &HandlerError{
		Type:      event.Type,
		MessageID: event.MessageID,
		Cause:     fmt.Errorf("panic: %v", recovered),
		Stack:     string(debug.Stack()),
	}
}
