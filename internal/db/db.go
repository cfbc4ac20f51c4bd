package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"credportal/internal/config"
	"credportal/internal/logging"
	"credportal/internal/models"
)

// newLogger reports slow queries and failures. Lookups that find nothing are
// expected (unregistered institutions) and stay quiet.
func newLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Open connects to the registry database and migrates its tables.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger(logging.Log().WithField("component", "gorm"))})
	if err != nil {
		return nil, fmt.Errorf("connection to db failed: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get db from GORM: %w", err)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	if cfg.Driver != "postgres" {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	logging.Log().Infof("connected to %s registry database", cfg.Driver)

	if err := Migrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Migrate creates or updates the registry tables.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&models.Institution{}); err != nil {
		return fmt.Errorf("AutoMigration failed for Institution: %w", err)
	}
	if err := conn.AutoMigrate(&models.RegistryCredential{}); err != nil {
		return fmt.Errorf("AutoMigration failed for RegistryCredential: %w", err)
	}
	return nil
}

// Ping checks the underlying connection.
func Ping(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close releases the underlying connection pool.
func Close(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
