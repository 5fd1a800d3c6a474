package db

import (
	"context"
	"fmt"

	"github.com/zulandar/sge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueuedAppIDs returns the subset of ids with at least one queue entry.
func (s *Store) QueuedAppIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	tx := s.withContext(ctx)
	found, err := InChunks(ids, s.maxParams, func(chunk []int64) ([]int64, error) {
		var rows []int64
		err := tx.Model(&models.QueueEntry{}).Distinct("app_id").Where("app_id IN ?", chunk).Pluck("app_id", &rows).Error
		return rows, err
	})
	if err != nil {
		return nil, fmt.Errorf("db: queued app ids: %w", err)
	}
	queued := make(map[int64]bool, len(found))
	for _, id := range found {
		queued[id] = true
	}
	return queued, nil
}

// NextBatch returns up to n queue entries, oldest first.
func (s *Store) NextBatch(ctx context.Context, n int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.withContext(ctx).
		Order("enqueued_at ASC, id ASC").
		Limit(n).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("db: next queue batch: %w", err)
	}
	return entries, nil
}

// CompleteEntry stores info and removes every queue entry for its app id in
// one transaction. An existing cache row for the app is left untouched.
func (s *Store) CompleteEntry(ctx context.Context, info *models.GameInfo) error {
	err := s.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(info).Error; err != nil {
			return fmt.Errorf("save game info: %w", err)
		}
		if err := tx.Where("app_id = ?", info.AppID).Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("delete queue entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db: complete app %d: %w", info.AppID, err)
	}
	return nil
}

// DeleteEntry removes a single queue entry.
func (s *Store) DeleteEntry(ctx context.Context, id uint) error {
	if err := s.withContext(ctx).Delete(&models.QueueEntry{}, id).Error; err != nil {
		return fmt.Errorf("db: delete queue entry %d: %w", id, err)
	}
	return nil
}

// RequeueEntry moves an entry to the back of the queue by setting its
// enqueue time to now. The new value is always strictly greater than the
// old one, even when the clock has not advanced.
func (s *Store) RequeueEntry(ctx context.Context, id uint, now int64) error {
	result := s.withContext(ctx).Model(&models.QueueEntry{}).
		Where("id = ?", id).
		Update("enqueued_at", gorm.Expr("CASE WHEN enqueued_at >= ? THEN enqueued_at + 1 ELSE ? END", now, now))
	if result.Error != nil {
		return fmt.Errorf("db: requeue entry %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("db: requeue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountQueue returns the total number of queue entries.
func (s *Store) CountQueue(ctx context.Context) (int64, error) {
	var n int64
	if err := s.withContext(ctx).Model(&models.QueueEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("db: count queue: %w", err)
	}
	return n, nil
}

// EnqueueMissing queues ids under token, skipping ids that are already
// cached or already queued by any job. Returns the number of new entries.
func (s *Store) EnqueueMissing(ctx context.Context, token string, ids []int64, now int64) (int, error) {
	known, err := s.KnownAppIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	queued, err := s.QueuedAppIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	var entries []models.QueueEntry
	for _, id := range ids {
		if known[id] || queued[id] {
			continue
		}
		entries = append(entries, models.QueueEntry{AppID: id, JobToken: token, EnqueuedAt: now})
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := s.withContext(ctx).CreateInBatches(entries, s.insertBatch(3)).Error; err != nil {
		return 0, fmt.Errorf("db: enqueue for job %s: %w", token, err)
	}
	return len(entries), nil
}

// insertBatch is the number of rows per multi-row INSERT for a model with
// cols bound columns.
func (s *Store) insertBatch(cols int) int {
	return max(1, s.maxParams/cols)
}

// CountPending returns how many of ids still have a queue entry under any
// job.
func (s *Store) CountPending(ctx context.Context, ids []int64) (int, error) {
	queued, err := s.QueuedAppIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	return len(queued), nil
}
