package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mpai-server-go/internal/platform/errors"
	"mpai-server-go/internal/platform/storage/migrations"
)

// Open opens the SQLite database at dsn and brings its schema up to date.
// File DSNs get their parent directory created first.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New(errors.KindStorage, "storage.open", "database dsn is empty")
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "storage.open", "create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", fmt.Sprintf("open %s", dsn), err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies every registered migration that has not run yet.
func Migrate(db *gorm.DB) error {
	manager := NewMigrationManager(db)
	manager.AddMigration(&migrations.Migration001Conversations{})
	manager.AddMigration(&migrations.Migration002ResponseCache{})
	manager.AddMigration(&migrations.Migration003ProviderCredentials{})
	return manager.RunMigrations()
}

// SchemaVersion reports the most recently applied migration, or "" on a
// database that has none.
func SchemaVersion(db *gorm.DB) (string, error) {
	records, err := NewMigrationManager(db).GetMigrationHistory()
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].Version, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
