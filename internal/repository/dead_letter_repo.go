package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type DeadLetterFilter struct {
	ReceiverID string
	Type       *domain.NotificationType
	Limit      int
}

type DeadLetterRepository interface {
	// Save archives d. An entry already stored for the same messageId is
	// replaced only when d dead-lettered later than it; otherwise it is kept
	// and Save reports false.
	Save(ctx context.Context, d *domain.DeadLetter) (bool, error)
	GetByMessageID(ctx context.Context, messageID string) (*domain.DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetter, error)
	MarkReplayed(ctx context.Context, messageID string, at time.Time) error
}

var _ DeadLetterRepository = (*GormDeadLetterRepo)(nil)

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

// Save archives d once per messageId, or replaces the entry of a replayed
// event that dead-lettered again.
func (r *GormDeadLetterRepo) Save(ctx context.Context, d *domain.DeadLetter) (bool, error) {
	model := deadLetterModelFromDomain(d)
	if model == nil {
		return false, nil
	}

	result := r.upsert(ctx, model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormDeadLetterRepo) upsert(ctx context.Context, model *DeadLetterModel) *gorm.DB {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"retry_count", "final_error", "dead_at", "event", "archived_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "dead_letters.dead_at < excluded.dead_at"},
			}},
		}).
		Create(model)
}

func (r *GormDeadLetterRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).First(&model, "message_id = ?", strings.TrimSpace(messageID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model), nil
}

func (r *GormDeadLetterRepo) List(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetter, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})

	if receiverID := strings.TrimSpace(filter.ReceiverID); receiverID != "" {
		query = query.Where("receiver_id = ?", receiverID)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}

	var models []DeadLetterModel
	if err := query.Order("dead_at DESC").Limit(clampLimit(filter.Limit)).Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]domain.DeadLetter, 0, len(models))
	for i := range models {
		out = append(out, *deadLetterModelToDomain(&models[i]))
	}
	return out, nil
}

func (r *GormDeadLetterRepo) MarkReplayed(ctx context.Context, messageID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&DeadLetterModel{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"replay_count": gorm.Expr("replay_count + 1"),
			"replayed_at":  at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultDeadLetterLimit
	}
	return min(limit, maxDeadLetterLimit)
}
