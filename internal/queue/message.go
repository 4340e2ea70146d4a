package queue

import (
	"encoding/json"
	"fmt"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// EncodeEvent serializes an event as a record payload.
func EncodeEvent(event domain.NotificationEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification event: %w", err)
	}
	if event.Version == 0 {
		event.Version = domain.EnvelopeVersion
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification event: %w", err)
	}
	return payload, nil
}

// DecodeEvent parses a record payload. Payloads written before the envelope
// was versioned decode as version 1.
func DecodeEvent(payload []byte) (domain.NotificationEvent, error) {
	var event domain.NotificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.NotificationEvent{}, fmt.Errorf("failed to unmarshal notification event: %w", err)
	}
	if event.Version == 0 {
		event.Version = domain.EnvelopeVersion
	}
	if event.Version > domain.EnvelopeVersion {
		return domain.NotificationEvent{}, fmt.Errorf("%w: unsupported envelope version %d", domain.ErrValidation, event.Version)
	}
	if err := event.Validate(); err != nil {
		return domain.NotificationEvent{}, err
	}
	return event, nil
}
