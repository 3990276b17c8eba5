package migrations

import "gorm.io/gorm"

// Migration002ResponseCache creates the table backing the sqlite response cache.
type Migration002ResponseCache struct{}

func (m *Migration002ResponseCache) Version() string {
	return "002_response_cache"
}

func (m *Migration002ResponseCache) Description() string {
	return "Create llm_cache_entries table"
}

func (m *Migration002ResponseCache) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS llm_cache_entries (
			cache_key VARCHAR(512) PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_llm_cache_entries_expires_at ON llm_cache_entries(expires_at)`).Error
}
