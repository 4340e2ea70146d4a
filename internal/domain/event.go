package domain

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// EnvelopeVersion is the current NotificationEvent wire version.
const EnvelopeVersion = 1

// NotificationType is the business event kind carried by a notification.
type NotificationType string

const (
	TypeOrderPlaced    NotificationType = "ORDER_PLACED"
	TypePaymentSuccess NotificationType = "PAYMENT_SUCCESS"
	TypePaymentFailed  NotificationType = "PAYMENT_FAILED"
	TypeShipmentUpdate NotificationType = "SHIPMENT_UPDATE"
)

var notificationTypes = []NotificationType{
	TypeOrderPlaced,
	TypePaymentSuccess,
	TypePaymentFailed,
	TypeShipmentUpdate,
}

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeOrderPlaced, TypePaymentSuccess, TypePaymentFailed, TypeShipmentUpdate:
		return true
	}
	return false
}

// NotificationTypes returns every supported notification type.
func NotificationTypes() []NotificationType {
	types := make([]NotificationType, len(notificationTypes))
	copy(types, notificationTypes)
	return types
}

func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w %q (allowed: %s)", ErrInvalidType, s, joinTypes(notificationTypes))
	}
	return t, nil
}

func joinTypes(types []NotificationType) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, ", ")
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// DeliveryAttempt records one failed handling attempt of an event.
type DeliveryAttempt struct {
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// NotificationEvent is the unit of work carried as a record payload.
type NotificationEvent struct {
	Version      int               `json:"version"`
	MessageID    string            `json:"messageId"`
	Type         NotificationType  `json:"type"`
	SenderID     string            `json:"senderId"`
	ReceiverID   string            `json:"receiverId"`
	Options      map[string]any    `json:"options,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	RetryCount   int               `json:"retryCount"`
	ReplayBase   int               `json:"replayBase,omitempty"`
	ProcessAfter *time.Time        `json:"processAfter,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
	LastFailedAt *time.Time        `json:"lastFailedAt,omitempty"`
	FinalError   string            `json:"finalError,omitempty"`
	ErrorStack   string            `json:"errorStack,omitempty"`
	DeadAt       *time.Time        `json:"deadAt,omitempty"`
	Attempts     []DeliveryAttempt `json:"attempts,omitempty"`
}

// PartitionKey returns the record key; all events of one receiver share a partition.
func (e NotificationEvent) PartitionKey() string {
	return e.ReceiverID
}

func (e NotificationEvent) Validate() error {
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	if strings.TrimSpace(e.ReceiverID) == "" {
		return fmt.Errorf("%w: receiverId is required", ErrValidation)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("%w: retryCount must be >= 0 (got %d)", ErrValidation, e.RetryCount)
	}
	if e.ReplayBase < 0 || e.ReplayBase > e.RetryCount {
		return fmt.Errorf("%w: replayBase must be between 0 and retryCount (got %d)", ErrValidation, e.ReplayBase)
	}
	return nil
}

// RetriesSpent returns the retries consumed since the event was last
// replayed from the dead-letter archive.
func (e NotificationEvent) RetriesSpent() int {
	return e.RetryCount - e.ReplayBase
}

// IsDead reports whether the event has been dead-lettered.
func (e NotificationEvent) IsDead() bool {
	return e.DeadAt != nil
}

// IsReady reports whether the event may be processed at now. Events without
// processAfter are always ready.
func (e NotificationEvent) IsReady(now time.Time) bool {
	return e.WaitDuration(now) == 0
}

// WaitDuration returns how long until the event becomes eligible, or zero.
func (e NotificationEvent) WaitDuration(now time.Time) time.Duration {
	if e.ProcessAfter == nil {
		return 0
	}
	wait := e.ProcessAfter.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Clone returns a copy that shares no mutable state with e.
func (e NotificationEvent) Clone() NotificationEvent {
	out := e
	if e.Options != nil {
		out.Options = maps.Clone(e.Options)
	}
	if e.Attempts != nil {
		out.Attempts = make([]DeliveryAttempt, len(e.Attempts))
		copy(out.Attempts, e.Attempts)
	}
	out.ProcessAfter = cloneTime(e.ProcessAfter)
	out.LastFailedAt = cloneTime(e.LastFailedAt)
	out.DeadAt = cloneTime(e.DeadAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}
