package history

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mpai-server-go/internal/platform/errors"
	"mpai-server-go/internal/platform/storage"
)

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite stores turns in the conversation_messages table.
func NewSQLite(db *gorm.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Append(ctx context.Context, conversationID string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]storage.ConversationMessage, 0, len(entries))
	for _, entry := range entries {
		record := storage.ConversationMessage{
			ConversationID: conversationID,
			Sender:         entry.Sender,
			Content:        entry.Content,
			CreatedAt:      entry.Timestamp,
		}
		if len(entry.Metadata) > 0 {
			raw, err := sonic.Marshal(entry.Metadata)
			if err != nil {
				return errors.Wrap(errors.KindStorage, "history.append", "encode metadata", err)
			}
			record.Metadata = datatypes.JSON(raw)
		}
		records = append(records, record)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			if err := tx.Create(&records[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "history.append", "insert messages", err)
	}
	return nil
}

func (s *sqliteStore) Read(ctx context.Context, conversationID string) ([]Entry, error) {
	var rows []storage.ConversationMessage
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "history.read", "query messages", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := Entry{Sender: row.Sender, Content: row.Content, Timestamp: row.CreatedAt}
		if len(row.Metadata) > 0 {
			if err := sonic.Unmarshal(row.Metadata, &entry.Metadata); err != nil {
				return nil, errors.Wrap(errors.KindStorage, "history.read", "decode metadata", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *sqliteStore) Close(context.Context) error { return nil }
