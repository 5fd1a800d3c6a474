package db

import (
	"fmt"

	"github.com/zulandar/sge/internal/config"
	"github.com/zulandar/sge/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.GameInfo{},
		&models.QueueEntry{},
		&models.Job{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// OpenMemory returns a migrated store backed by a private in-memory sqlite
// database.
func OpenMemory() (*Store, error) {
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return New(gdb, 0)
}
