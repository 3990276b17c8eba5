package migrations

import "gorm.io/gorm"

// Migration001Conversations creates the conversation history table.
type Migration001Conversations struct{}

func (m *Migration001Conversations) Version() string {
	return "001_conversations"
}

func (m *Migration001Conversations) Description() string {
	return "Create conversation_messages table"
}

func (m *Migration001Conversations) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id VARCHAR(255) NOT NULL,
			sender VARCHAR(64) NOT NULL,
			content TEXT NOT NULL,
			metadata JSON,
			created_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation_id ON conversation_messages(conversation_id)`).Error
}
