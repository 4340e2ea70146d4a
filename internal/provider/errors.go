package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// ErrCircuitOpen is the cause of a ProviderError returned without calling
// the provider because its circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	ReasonTransient   = "transient"
	ReasonPermanent   = "permanent"
	ReasonCircuitOpen = "circuit_open"
)

// ProviderError classifies a failed delivery on one channel. Every failure
// is retried through the pipeline; Transient only feeds the circuit breaker
// and metrics.
type ProviderError struct {
	Channel    domain.Channel
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.Channel != "" {
		parts = append(parts, "channel="+strings.ToLower(e.Channel.String()))
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	return false
}

// FailureReason labels err for delivery metrics.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen
	case IsTransient(err):
		return ReasonTransient
	default:
		return ReasonPermanent
	}
}
