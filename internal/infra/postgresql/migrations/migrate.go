package migrations

import (
	"context"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func all() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		createDeadLettersTable(),
		addDeadLettersTypeIndex(),
	}
}

// Migrate brings the dead-letter archive schema up to the latest version.
func Migrate(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	migrations := all()
	m := gormigrate.New(db.WithContext(ctx), gormigrate.DefaultOptions, migrations)
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate dead letter schema: %w", err)
	}

	logger.Info("dead letter schema migrated",
		zap.String("version", migrations[len(migrations)-1].ID),
	)
	return nil
}
