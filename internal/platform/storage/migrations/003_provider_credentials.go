package migrations

import "gorm.io/gorm"

// Migration003ProviderCredentials creates the database key manager table.
type Migration003ProviderCredentials struct{}

func (m *Migration003ProviderCredentials) Version() string {
	return "003_provider_credentials"
}

func (m *Migration003ProviderCredentials) Description() string {
	return "Create provider_credentials table"
}

func (m *Migration003ProviderCredentials) Up(db *gorm.DB) error {
	return db.Exec(`
		CREATE TABLE IF NOT EXISTS provider_credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider VARCHAR(128) NOT NULL UNIQUE,
			api_key TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`).Error
}
