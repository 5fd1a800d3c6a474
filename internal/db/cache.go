package db

import (
	"context"
	"fmt"

	"github.com/zulandar/sge/internal/models"
	"gorm.io/gorm/clause"
)

// KnownAppIDs returns the subset of ids that already have a cache row.
func (s *Store) KnownAppIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	tx := s.withContext(ctx)
	found, err := InChunks(ids, s.maxParams, func(chunk []int64) ([]int64, error) {
		var rows []int64
		err := tx.Model(&models.GameInfo{}).Where("app_id IN ?", chunk).Pluck("app_id", &rows).Error
		return rows, err
	})
	if err != nil {
		return nil, fmt.Errorf("db: known app ids: %w", err)
	}
	known := make(map[int64]bool, len(found))
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

// GameInfos loads cache rows for ids, keyed by app id.
func (s *Store) GameInfos(ctx context.Context, ids []int64) (map[int64]models.GameInfo, error) {
	tx := s.withContext(ctx)
	rows, err := InChunks(ids, s.maxParams, func(chunk []int64) ([]models.GameInfo, error) {
		var infos []models.GameInfo
		err := tx.Where("app_id IN ?", chunk).Find(&infos).Error
		return infos, err
	})
	if err != nil {
		return nil, fmt.Errorf("db: load game info: %w", err)
	}
	out := make(map[int64]models.GameInfo, len(rows))
	for _, r := range rows {
		out[r.AppID] = r
	}
	return out, nil
}

// HasGameInfo reports whether appID has a cache row.
func (s *Store) HasGameInfo(ctx context.Context, appID int64) (bool, error) {
	var n int64
	if err := s.withContext(ctx).Model(&models.GameInfo{}).Where("app_id = ?", appID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("db: check game info %d: %w", appID, err)
	}
	return n > 0, nil
}

// SaveGameInfo inserts info unless a row for its app id already exists.
// Existing rows are never overwritten.
func (s *Store) SaveGameInfo(ctx context.Context, info *models.GameInfo) error {
	if err := s.withContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(info).Error; err != nil {
		return fmt.Errorf("db: save game info %d: %w", info.AppID, err)
	}
	return nil
}

// CountGameInfo returns the number of cached apps.
func (s *Store) CountGameInfo(ctx context.Context) (int64, error) {
	var n int64
	if err := s.withContext(ctx).Model(&models.GameInfo{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("db: count game info: %w", err)
	}
	return n, nil
}
