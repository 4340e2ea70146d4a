package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// Message is one channel delivery of a notification event.
type Message struct {
	MessageID string
	Type      domain.NotificationType
	Channel   domain.Channel
	Recipient string
	Content   string
	Options   map[string]any
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, m.Channel)
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	return nil
}

// Provider is the outbound notification delivery port.
type Provider interface {
	Send(ctx context.Context, message Message) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for logging.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}
