package queue

import (
	"errors"
	"strings"
)

// TransportError reports a broker operation that could not be confirmed.
type TransportError struct {
	Op    string
	Topic string
	Cause error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "transport error")
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	if topic := strings.TrimSpace(e.Topic); topic != "" {
		parts = append(parts, "topic="+topic)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
