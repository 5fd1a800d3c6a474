package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/sge/internal/models"
	"gorm.io/gorm"
)

// CreateJob inserts job and its queue entries in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, entries []models.QueueEntry) error {
	err := s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(entries, s.insertBatch(3)).Error; err != nil {
			return fmt.Errorf("create queue entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db: create job %s: %w", job.Token, err)
	}
	return nil
}

// FindJob loads the job with token. Returns ErrNotFound if absent.
func (s *Store) FindJob(ctx context.Context, token string) (*models.Job, error) {
	var job models.Job
	err := s.withContext(ctx).Where("token = ?", token).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("db: job %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: find job %s: %w", token, err)
	}
	return &job, nil
}

// DeleteJob removes the job and any queue entries it owns. It reports
// whether this call deleted the job, so concurrent finalizers can tell
// which of them won.
func (s *Store) DeleteJob(ctx context.Context, token string) (bool, error) {
	var deleted bool
	err := s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("token = ?", token).Delete(&models.Job{})
		if result.Error != nil {
			return fmt.Errorf("delete job: %w", result.Error)
		}
		deleted = result.RowsAffected > 0
		if err := tx.Where("job_token = ?", token).Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("delete queue entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("db: delete job %s: %w", token, err)
	}
	return deleted, nil
}

// CountJobs returns the number of outstanding jobs.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.withContext(ctx).Model(&models.Job{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("db: count jobs: %w", err)
	}
	return n, nil
}

// CountJobEntries returns the number of queue entries owned by token.
func (s *Store) CountJobEntries(ctx context.Context, token string) (int64, error) {
	var n int64
	if err := s.withContext(ctx).Model(&models.QueueEntry{}).Where("job_token = ?", token).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("db: count entries for job %s: %w", token, err)
	}
	return n, nil
}
