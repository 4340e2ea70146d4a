package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addDeadLettersTypeIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_dead_letters_type_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_dead_letters_type_dead_at ON dead_letters (type, dead_at DESC)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_dead_letters_type_dead_at`).Error
		},
	}
}
