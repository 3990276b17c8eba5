package storage

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationMessage is one stored turn. Rows are ordered by ID within a conversation.
type ConversationMessage struct {
	ID             uint           `gorm:"primaryKey"`
	ConversationID string         `gorm:"index;not null"`
	Sender         string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Metadata       datatypes.JSON `gorm:"type:json"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}

// ResponseCacheEntry stores a serialized provider response.
type ResponseCacheEntry struct {
	CacheKey  string    `gorm:"column:cache_key;primaryKey"`
	Value     []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ResponseCacheEntry) TableName() string {
	return "llm_cache_entries"
}

// ProviderCredential holds an API key managed through the database.
type ProviderCredential struct {
	ID        uint      `gorm:"primaryKey"`
	Provider  string    `gorm:"uniqueIndex;not null"`
	APIKey    string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ProviderCredential) TableName() string {
	return "provider_credentials"
}
