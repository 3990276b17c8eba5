package testing

import (
	"fmt"
	"io"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mpai-server-go/internal/platform/config"
	"mpai-server-go/internal/platform/logging"
	"mpai-server-go/internal/platform/storage"
)

// SetupTestConfig returns defaults with logging pointed at a temp dir and
// every external integration switched off.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Log = config.LogConfig{
		Level: "DEBUG",
		Dir:   t.TempDir(),
		File:  "test.log",
	}
	cfg.Database.DSN = fmt.Sprintf("file:test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	cfg.Cache.Driver = "memory"
	cfg.History.Driver = "memory"
	cfg.Tools.System.Enabled = false
	return cfg
}

// SetupTestLogger builds a logger that writes into a temp dir and discards console output.
func SetupTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	cfg := SetupTestConfig(t)
	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Dir:      cfg.Log.Dir,
		Filename: cfg.Log.File,
		Console:  io.Discard,
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

// SetupTestDB opens a private in-memory SQLite database with the schema applied.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}
