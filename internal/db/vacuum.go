package db

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sge/internal/models"
	"gorm.io/gorm"
)

// VacuumExpired deletes every job created at or before cutoff together with
// its queue entries, then reclaims storage. Safe to call on an empty store.
// Returns the number of jobs deleted.
func (s *Store) VacuumExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&models.Job{}).Select("token").Where("created_at <= ?", cutoff.Unix())
		if err := tx.Where("job_token IN (?)", expired).Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("delete expired queue entries: %w", err)
		}
		result := tx.Where("created_at <= ?", cutoff.Unix()).Delete(&models.Job{})
		if result.Error != nil {
			return fmt.Errorf("delete expired jobs: %w", result.Error)
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("db: vacuum expired: %w", err)
	}
	if err := s.reclaim(ctx); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// reclaim returns freed pages to the filesystem.
func (s *Store) reclaim(ctx context.Context) error {
	tx := s.withContext(ctx)
	switch s.db.Dialector.Name() {
	case "sqlite":
		if err := tx.Exec("VACUUM").Error; err != nil {
			return fmt.Errorf("db: vacuum: %w", err)
		}
	case "mysql":
		if err := tx.Exec("OPTIMIZE TABLE games_queue, export_jobs").Error; err != nil {
			return fmt.Errorf("db: optimize tables: %w", err)
		}
	}
	return nil
}
