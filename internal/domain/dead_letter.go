package domain

import "time"

// DeadLetter is an archived dead-lettered event.
type DeadLetter struct {
	MessageID   string
	Type        NotificationType
	ReceiverID  string
	RetryCount  int
	FinalError  string
	DeadAt      time.Time
	Event       NotificationEvent
	ArchivedAt  time.Time
	ReplayCount int
	ReplayedAt  *time.Time
}

// NewDeadLetter builds the archive entry of a dead-lettered event.
func NewDeadLetter(event NotificationEvent, archivedAt time.Time) DeadLetter {
	deadAt := archivedAt
	if event.DeadAt != nil {
		deadAt = *event.DeadAt
	}

	return DeadLetter{
		MessageID:  event.MessageID,
		Type:       event.Type,
		ReceiverID: event.ReceiverID,
		RetryCount: event.RetryCount,
		FinalError: event.FinalError,
		DeadAt:     deadAt,
		Event:      event.Clone(),
		ArchivedAt: archivedAt,
	}
}

// ReplayEvent returns the archived event revived for another pass through the
// pipeline. Identity, retryCount and attempt history are kept; the retry
// budget restarts from the current retryCount.
func (d DeadLetter) ReplayEvent() NotificationEvent {
	event := d.Event.Clone()
	event.ReplayBase = event.RetryCount
	event.ProcessAfter = nil
	event.FinalError = ""
	event.ErrorStack = ""
	event.DeadAt = nil
	return event
}
