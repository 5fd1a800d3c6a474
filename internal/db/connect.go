package db

import (
	"fmt"
	"net"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/sge/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the configured server and database.
func DSN(cfg config.DatabaseConfig) string {
	mc := gomysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	return mc.FormatDSN()
}

// SQLiteDSN builds a go-sqlite3 DSN for path. An empty path or ":memory:"
// selects an in-memory database.
func SQLiteDSN(path string) string {
	if isMemory(path) {
		return ":memory:"
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

func isMemory(path string) bool {
	return path == "" || path == ":memory:"
}

// Connect opens a GORM connection for the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	switch cfg.Driver {
	case "", "sqlite":
		gdb, err := gorm.Open(sqlite.Open(SQLiteDSN(cfg.Path)), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to sqlite %q: %w", cfg.Path, err)
		}
		if isMemory(cfg.Path) {
			// Each connection to :memory: is a separate database.
			sqlDB, err := gdb.DB()
			if err != nil {
				return nil, fmt.Errorf("db: connect to sqlite: %w", err)
			}
			sqlDB.SetMaxOpenConns(1)
		}
		return gdb, nil
	case "mysql":
		gdb, err := gorm.Open(mysql.Open(DSN(cfg)), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return gdb, nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", cfg.Driver)
	}
}
