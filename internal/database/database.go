package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-treasury/internal/database/migrations"
	"github.com/ksred/klear-treasury/internal/feehook"
	"github.com/ksred/klear-treasury/internal/treasury"
	"github.com/ksred/klear-treasury/internal/types"
)

// NewDatabase opens the sqlite database at path and migrates every schema.
// Writers take the lock when a transaction begins and wait for each other.
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddAuditLog(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Order{},
		&treasury.LedgerState{},
		&treasury.ConfigRecord{},
		&treasury.IdempotencyRecord{},
		&feehook.State{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
