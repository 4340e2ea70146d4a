package repository

import (
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
)

// DeadLetterModel is the persistence model for the dead_letters table.
type DeadLetterModel struct {
	MessageID   string                   `gorm:"type:varchar(64);primaryKey"`
	Type        domain.NotificationType  `gorm:"type:varchar(32);not null"`
	ReceiverID  string                   `gorm:"type:varchar(255);not null;index"`
	RetryCount  int                      `gorm:"not null"`
	FinalError  string                   `gorm:"type:text;not null"`
	DeadAt      time.Time                `gorm:"type:timestamptz;not null"`
	Event       domain.NotificationEvent `gorm:"type:jsonb;serializer:json;not null"`
	ReplayCount int                      `gorm:"not null;default:0"`
	ReplayedAt  *time.Time               `gorm:"type:timestamptz"`
	ArchivedAt  time.Time                `gorm:"type:timestamptz;not null"`
}

func (DeadLetterModel) TableName() string {
	return "dead_letters"
}

func deadLetterModelFromDomain(d *domain.DeadLetter) *DeadLetterModel {
	if d == nil {
		return nil
	}

	return &DeadLetterModel{
		MessageID:   d.MessageID,
		Type:        d.Type,
		ReceiverID:  d.ReceiverID,
		RetryCount:  d.RetryCount,
		FinalError:  d.FinalError,
		DeadAt:      d.DeadAt,
		Event:       d.Event,
		ReplayCount: d.ReplayCount,
		ReplayedAt:  d.ReplayedAt,
		ArchivedAt:  d.ArchivedAt,
	}
}

func deadLetterModelToDomain(m *DeadLetterModel) *domain.DeadLetter {
	if m == nil {
		return nil
	}

	return &domain.DeadLetter{
		MessageID:   m.MessageID,
		Type:        m.Type,
		ReceiverID:  m.ReceiverID,
		RetryCount:  m.RetryCount,
		FinalError:  m.FinalError,
		DeadAt:      m.DeadAt,
		Event:       m.Event,
		ReplayCount: m.ReplayCount,
		ReplayedAt:  m.ReplayedAt,
		ArchivedAt:  m.ArchivedAt,
	}
}
