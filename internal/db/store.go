package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// Bound-parameter limits per engine. SQLite raised its default from 999 to
// 32766 in 3.32.0.
const (
	sqliteLegacyMaxParams = 999
	sqliteMaxParams       = 32766
	mysqlMaxParams        = 65535
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("db: not found")

// Store is the persistent store shared by the request path and the fetch
// worker. Every method runs as a single transaction or statement; no rows
// are cached in memory between calls.
type Store struct {
	db        *gorm.DB
	maxParams int
}

// New wraps db. maxParams caps the number of bound parameters per IN query;
// zero detects the limit from the connected engine.
func New(db *gorm.DB, maxParams int) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db: gorm db is required")
	}
	if maxParams <= 0 {
		var err error
		maxParams, err = DetectMaxParams(db)
		if err != nil {
			return nil, err
		}
	}
	return &Store{db: db, maxParams: maxParams}, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// MaxParams reports the chunk size used for IN queries.
func (s *Store) MaxParams() int { return s.maxParams }

// DetectMaxParams returns the bound-parameter limit of the engine behind db.
func DetectMaxParams(db *gorm.DB) (int, error) {
	switch db.Dialector.Name() {
	case "sqlite":
		var version string
		if err := db.Raw("SELECT sqlite_version()").Scan(&version).Error; err != nil {
			return 0, fmt.Errorf("db: detect sqlite version: %w", err)
		}
		return sqliteParamLimit(version), nil
	case "mysql":
		return mysqlMaxParams, nil
	default:
		return sqliteLegacyMaxParams, nil
	}
}

func sqliteParamLimit(version string) int {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return sqliteLegacyMaxParams
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return sqliteLegacyMaxParams
	}
	if major > 3 || (major == 3 && minor >= 32) {
		return sqliteMaxParams
	}
	return sqliteLegacyMaxParams
}

// chunks splits ids into consecutive slices of at most size elements.
func chunks[T any](ids []T, size int) [][]T {
	if size <= 0 {
		size = sqliteLegacyMaxParams
	}
	var out [][]T
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// InChunks runs query once per chunk of ids and concatenates the results.
// Queries with more bound parameters than the engine allows fail outright,
// so every IN lookup over a caller-sized list goes through here.
func InChunks[T any, R any](ids []T, size int, query func(chunk []T) ([]R, error)) ([]R, error) {
	var out []R
	for _, chunk := range chunks(ids, size) {
		rows, err := query(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *Store) withContext(ctx context.Context) *gorm.DB {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx)
}
